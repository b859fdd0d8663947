package consensus_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"go.dedis.ch/kyber/v3"

	"github.com/HiveNetCode/distributed-mls/src/common"
	"github.com/HiveNetCode/distributed-mls/src/group"
)

// buildStates creates n member states of one group at the given epoch.
func buildStates(t *testing.T, epoch uint64, ids ...string) []*group.BasicGroup {
	type member struct {
		priv kyber.Scalar
		pub  []byte
	}

	welcome := &group.Welcome{GroupID: []byte{0xAB, 0xCD}, Epoch: epoch}
	members := make([]member, len(ids))
	for i, id := range ids {
		priv, pub, err := group.GenerateKey()
		if err != nil {
			t.Fatalf("Error generating key: %s", err)
		}
		members[i] = member{priv: priv, pub: pub}
		welcome.Roster = append(welcome.Roster, group.RosterEntry{
			Index:    uint32(i),
			Identity: []byte(id),
			PubKey:   pub,
		})
	}

	states := make([]*group.BasicGroup, len(ids))
	for i, id := range ids {
		state, err := group.JoinGroup(welcome, []byte(id), members[i].priv)
		if err != nil {
			t.Fatalf("Error joining: %s", err)
		}
		states[i] = state
	}
	return states
}

func testEntry(t *testing.T) *logrus.Entry {
	return common.NewTestLogger(t, logrus.DebugLevel).WithField("prefix", "test")
}

// appMessage builds a payload message signed by the given state. CAC does
// not interpret payloads, so application messages stand in for commits.
func appMessage(t *testing.T, state *group.BasicGroup, content string) *group.Message {
	msg, err := state.Protect([]byte(content))
	if err != nil {
		t.Fatalf("Error protecting: %s", err)
	}
	return msg
}
