// Package state persists the liveness marker of the current process run.
//
// The marker is written when a run starts, refreshed by a heartbeat while
// the process is in the foreground and flagged clean on an orderly stop.
// The next run reads the previous marker to decide how that run ended.
//
// # Usage
//
//	repo := state.NewFileRepository("/var/lib/app/crashes")
//
//	prev, err := repo.Load(ctx)
//	if err != nil {
//	    return err
//	}
//
//	cur := state.Begin(sessionID, os.Getpid(), time.Now())
//	if err := repo.Save(ctx, cur); err != nil {
//	    return err
//	}
//
// # Compatibility
//
// State JSON uses snake_case field names.
package state
