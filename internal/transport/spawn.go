package transport

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"
)

// ServerSpec describes how to launch one role server subprocess.
type ServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// Spawn launches the subprocess described by spec and returns a transport
// bound to its stdio. Stderr is relayed line by line to the host log.
func Spawn(spec ServerSpec, timeout time.Duration) (*Transport, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("server spec has no command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("server[%s]: %s", spec.Command, scanner.Text())
		}
	}()

	t := New(stdout, stdin, timeout)
	t.terminate = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}

	// Reap the subprocess; the read loop observes EOF and fires the exit
	// handler, so only the wait status is logged here.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("server[%s] exited: %v", spec.Command, err)
		}
	}()

	return t, nil
}
