package supervisor

import (
	"slices"
	"strings"
)

// BuildLaunchCommand returns a fresh argv: base with any resume arguments
// stripped, plus one resume argument when token is non-empty. base is never
// modified, so repeated restarts cannot stack resume flags.
func BuildLaunchCommand(base []string, resumeFlag, token string) []string {
	if resumeFlag == "" {
		resumeFlag = DefaultResumeFlag
	}
	argv := make([]string, 0, len(base)+2)
	for i := 0; i < len(base); i++ {
		arg := base[i]
		if arg == resumeFlag {
			i++ // skip the flag's value
			continue
		}
		if strings.HasPrefix(arg, resumeFlag+"=") {
			continue
		}
		argv = append(argv, arg)
	}
	if token != "" {
		argv = append(argv, resumeFlag, token)
	}
	return slices.Clip(argv)
}

// CountResumeArgs returns how many resume arguments argv carries.
func CountResumeArgs(argv []string, resumeFlag string) int {
	if resumeFlag == "" {
		resumeFlag = DefaultResumeFlag
	}
	n := 0
	for _, arg := range argv {
		if arg == resumeFlag || strings.HasPrefix(arg, resumeFlag+"=") {
			n++
		}
	}
	return n
}
