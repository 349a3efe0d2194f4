package cluster

import (
	"fmt"
	"strings"
)

// resumeExitCode is the return-code convention's resume request: the user
// program exits 3 after sending EXIT_FOR_RESUME, and the scheduler must
// not count that as a failure.
const resumeExitCode = 3

// wrapRunScript builds the full run-script text around the execution
// command body: shebang, scheduler directives, the body, and the exit-code
// epilogue. The epilogue touches a <script>.FAILED sentinel for any
// non-zero non-resume exit so failed runs can be found on disk after the
// fact; when swallowResume is set, a resume exit is rewritten to 0 so the
// scheduler does not mark the job failed (the resume request itself
// travels out-of-band over UDP).
func wrapRunScript(directives []string, body, scriptPath string, swallowResume bool) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, d := range directives {
		b.WriteString(d + "\n")
	}
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
	b.WriteString("rc=$?\n")
	fmt.Fprintf(&b, "if [ $rc -ne 0 ] && [ $rc -ne %d ]; then\n", resumeExitCode)
	fmt.Fprintf(&b, "    touch %q\n", scriptPath+".FAILED")
	b.WriteString("fi\n")
	if swallowResume {
		fmt.Fprintf(&b, "if [ $rc -eq %d ]; then\n", resumeExitCode)
		b.WriteString("    exit 0\n")
		b.WriteString("fi\n")
	}
	b.WriteString("exit $rc\n")
	return b.String()
}
