package infrastructure

import "strings"

// shellSpecial holds the characters that make an argument need quoting
const shellSpecial = " \t\n\r'\"$`\\!*?[](){}|;<>&~#%"

// shellQuote renders s so it can be pasted into a POSIX shell. Only used to
// log external commands; exec.Command takes the raw arguments.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, shellSpecial) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// commandLine renders name and args as one copy-pasteable line
func commandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}
