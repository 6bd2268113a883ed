package leader

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStaticElector(t *testing.T) {
	if !NewStatic("solo", true).IsLeader() {
		t.Error("static leader reports follower")
	}
	f := NewStatic("follower", false)
	if f.IsLeader() || f.ID() != "follower" {
		t.Errorf("static follower = %+v", f)
	}
}

func TestRedisElectorDefaults(t *testing.T) {
	e := NewRedisElector(nil, "", "", 0, zerolog.Nop())
	if e.key != DefaultKey || e.ttl != DefaultLeaseTTL || e.ID() == "" {
		t.Errorf("defaults not applied: key=%s ttl=%s id=%q", e.key, e.ttl, e.ID())
	}
	if e.IsLeader() {
		t.Error("fresh elector must not be leader")
	}
}

func TestLeadershipExpiresWithLocalDeadline(t *testing.T) {
	e := NewRedisElector(nil, "k", "me", time.Second, zerolog.Nop())
	e.deadline.Store(time.Now().Add(time.Hour).UnixNano())
	e.promote()
	if !e.IsLeader() {
		t.Fatal("promoted elector is not leader")
	}

	e.deadline.Store(time.Now().Add(-time.Millisecond).UnixNano())
	if e.IsLeader() {
		t.Error("leadership must lapse once the local lease deadline passes")
	}

	e.demote("test")
	if e.isLeader.Load() {
		t.Error("demote left leader flag set")
	}
}
