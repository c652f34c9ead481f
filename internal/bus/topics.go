package bus

import "fmt"

// TopicNaming provides canonical topic names.
// Pattern: <prefix>.<domain>.<entity>
type TopicNaming struct {
	Prefix string
}

func (t TopicNaming) name(s string) string {
	if t.Prefix == "" {
		return s
	}
	return fmt.Sprintf("%s.%s", t.Prefix, s)
}

func (t TopicNaming) Verdicts() string      { return t.name("ingest.verdicts") }
func (t TopicNaming) AssetsSighted() string { return t.name("ingest.assets") }
func (t TopicNaming) SmartTrades() string   { return t.name("alerts.smart_trades") }
func (t TopicNaming) ScoreCycles() string   { return t.name("scoring.cycles") }
func (t TopicNaming) Heartbeat() string     { return t.name("ops.heartbeat") }

// Topics is the default topic naming instance.
var Topics = TopicNaming{Prefix: "pumpscope"}

// TopicRetention maps topic suffixes to their retention in hours.
var TopicRetention = map[string]int{
	"ingest.verdicts":     720,
	"ingest.assets":       720,
	"alerts.smart_trades": 168,
	"scoring.cycles":      2160,
	"ops.heartbeat":       24,
}

// All returns every topic for provisioning.
func (t TopicNaming) All() []string {
	return []string{
		t.Verdicts(),
		t.AssetsSighted(),
		t.SmartTrades(),
		t.ScoreCycles(),
		t.Heartbeat(),
	}
}
