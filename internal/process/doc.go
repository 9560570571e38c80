// Package process runs analyzer child processes.
//
// A Supervisor starts each analyzer with piped stdio and tracks it until it
// exits. Processes are stopped in stages: stdin is closed, then SIGTERM is
// sent, then SIGKILL once the grace period runs out.
//
//	sup := process.NewSupervisor()
//	defer sup.Shutdown(ctx, 2*time.Second)
//
//	proc, err := sup.Start("analyzer", exec.Command(path, args...))
//	if err != nil {
//	    return err
//	}
//	<-proc.Done()
//	code, signal := proc.ExitStatus()
//
// An exit that follows Stop is reported as expected; any other exit is a
// crash from the caller's point of view.
package process
