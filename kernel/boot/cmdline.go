// Package boot holds helpers for digesting the state handed over by the
// bootloader.
package boot

// CmdLineVisitor is invoked by VisitCmdLine for every option on the boot
// command line. Options of the form key=value arrive split; bare flags
// arrive with an empty value.
type CmdLineVisitor func(key, value string) bool

// VisitCmdLine tokenizes a boot command line in a single forward scan and
// invokes the visitor for each option. Options are separated by runs of
// spaces; the first '=' inside an option splits key from value.
func VisitCmdLine(cmdLine string, visitor CmdLineVisitor) {
	for start := 0; start < len(cmdLine); {
		for start < len(cmdLine) && cmdLine[start] == ' ' {
			start++
		}
		end := start
		for end < len(cmdLine) && cmdLine[end] != ' ' {
			end++
		}
		if end == start {
			return
		}

		option := cmdLine[start:end]
		start = end

		key, value := option, ""
		for i := 0; i < len(option); i++ {
			if option[i] == '=' {
				key, value = option[:i], option[i+1:]
				break
			}
		}

		if !visitor(key, value) {
			return
		}
	}
}

// CmdLineValue scans the command line for the supplied key and returns its
// value. Bare flags report found with an empty value.
func CmdLineValue(cmdLine, key string) (value string, found bool) {
	VisitCmdLine(cmdLine, func(k, v string) bool {
		if k == key {
			value, found = v, true
			return false
		}
		return true
	})
	return value, found
}
