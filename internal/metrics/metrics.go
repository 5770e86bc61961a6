package metrics

import "expvar"

// Process-wide debug counters, served on /debug/vars.
var (
	WSReconnects    = expvar.NewInt("ws_reconnects")
	JournalWrites   = expvar.NewInt("journal_writes")
	JournalErrors   = expvar.NewInt("journal_errors")
	FanoutPublishes = expvar.NewInt("fanout_publishes")
	FanoutErrors    = expvar.NewInt("fanout_errors")
)
