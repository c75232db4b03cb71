// Package crashship provides an embeddable crash capture and delivery
// pipeline.
//
// Crashship records fatal signals, runtime fatal errors and unrecovered
// panics into a preallocated slot file, turns them into structured reports
// on the next launch and delivers them to an ingestion backend, subject to
// a consent policy.
//
// # Basic Usage
//
// Start crashship as early as possible in main:
//
//	cfg := crashship.DefaultConfig()
//	cfg.ServiceURL = "https://ingest.example.com"
//	cfg.AuthKey = "your-api-key"
//
//	c, err := crashship.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
//	go func() {
//	    defer c.Recoverer().Recover()
//	    work()
//	}()
//
// # Consent
//
// [Config.ErrorLogSetting] decides what happens to pending reports:
// [SettingAutoSend] sends them, [SettingDisabled] discards them and
// [SettingAlwaysAsk] asks the [ConfirmationHandler] once per startup and
// otherwise waits for [Crashship.Confirm]. With
// [Config.AutomaticProcessing] off, reports are held until
// [Crashship.ResumeFiltered] releases them. [Crashship.Purge] deletes a
// report whatever its state.
//
// # Wrapper runtimes
//
// Runtimes hosted in the process report their own exceptions through
// [Crashship.Bridge]: TrackModelException sends a handled report and
// SetException stages an exception that is attached to the next crash.
//
// # Plugins
//
// Optional plugins extend the pipeline:
//
//	import "github.com/bft-labs/crashship/plugins/resourcegating"
//	import "github.com/bft-labs/crashship/plugins/storebudget"
//
//	c, err := crashship.New(cfg,
//	    resourcegating.WithDefaultResourceGating(),
//	    storebudget.WithDefaultStoreBudget(),
//	)
//
// # Lifecycle States
//
// A Crashship instance can be in one of five states: [StateStopped],
// [StateStarting], [StateRunning], [StateStopping], or [StateCrashed].
// An instance runs once; create a new one after Stop.
package crashship
