//go:build !unix

package llm

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
