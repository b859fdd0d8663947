package wire

import (
	"errors"
	"reflect"
	"testing"

	"github.com/HiveNetCode/distributed-mls/src/group"
)

func testAuthContent(seq byte) *group.AuthenticatedContent {
	return &group.AuthenticatedContent{
		GroupID:     []byte{0xAB, 0xCD},
		Epoch:       4,
		Sender:      2,
		ContentType: group.ContentApplication,
		Application: []byte{seq, seq, seq},
		Signature:   []byte{0xFF, seq},
	}
}

func testMessage() *group.Message {
	return &group.Message{
		GroupID:     []byte{0xAB, 0xCD},
		Epoch:       4,
		Sender:      1,
		ContentType: group.ContentCommit,
		Body:        []byte("commit body"),
		Signature:   []byte("sig"),
	}
}

func TestGossipMessageRoundTrip(t *testing.T) {
	subscribe := &GossipMessage{Type: GossipSubscribe, Subscriber: []byte("alice")}
	raw := (&DDSMessage{Type: DDSGossip, Gossip: subscribe}).Marshal()

	decoded, err := ParseDDSMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if !reflect.DeepEqual(decoded.Gossip, subscribe) {
		t.Fatalf("Subscribe mismatch. Expected %#v, got %#v", subscribe, decoded.Gossip)
	}

	gossip := &GossipMessage{Type: GossipGossip, Message: testMessage()}
	raw = (&DDSMessage{Type: DDSGossip, Gossip: gossip}).Marshal()

	decoded, err = ParseDDSMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if !reflect.DeepEqual(decoded.Gossip.Message, gossip.Message) {
		t.Fatalf("Gossip mismatch. Expected %#v, got %#v", gossip.Message, decoded.Gossip.Message)
	}
}

func TestWelcomeFrameRoundTrip(t *testing.T) {
	welcome := &group.Welcome{
		GroupID: []byte{0xAB, 0xCD},
		Epoch:   1,
		Roster: []group.RosterEntry{
			{Index: 0, Identity: []byte("alice"), PubKey: []byte{1}},
			{Index: 1, Identity: []byte("bob"), PubKey: []byte{2}},
		},
	}

	raw := (&DDSMessage{Type: DDSWelcome, Welcome: welcome}).Marshal()
	decoded, err := ParseDDSMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if !reflect.DeepEqual(decoded.Welcome, welcome) {
		t.Fatalf("Welcome mismatch. Expected %#v, got %#v", welcome, decoded.Welcome)
	}
}

func TestCACMessageRoundTrip(t *testing.T) {
	withPayload := &CACMessage{
		Kind:    CACWitness,
		Sigs:    []*group.AuthenticatedContent{testAuthContent(1), testAuthContent(2)},
		Payload: testMessage().Marshal(),
	}

	raw := (&CascadeMessage{Instance: 1, Type: CascadeCAC, CAC: withPayload}).Marshal()
	decoded, err := ParseCascadeMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if decoded.Instance != 1 {
		t.Fatalf("Instance should be 1, not %d", decoded.Instance)
	}
	if !reflect.DeepEqual(decoded.CAC, withPayload) {
		t.Fatalf("CACMessage mismatch. Expected %#v, got %#v", withPayload, decoded.CAC)
	}

	withoutPayload := &CACMessage{
		Kind: CACReady,
		Sigs: []*group.AuthenticatedContent{testAuthContent(3)},
	}

	raw = (&CascadeMessage{Instance: 2, Type: CascadeCAC2, CAC: withoutPayload}).Marshal()
	decoded, err = ParseCascadeMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if decoded.CAC.Payload != nil {
		t.Fatal("Absent payload should decode to nil")
	}
	if !reflect.DeepEqual(decoded.CAC.Sigs, withoutPayload.Sigs) {
		t.Fatalf("Sigs mismatch. Expected %#v, got %#v", withoutPayload.Sigs, decoded.CAC.Sigs)
	}
}

func TestRestrainedMessageRoundTrip(t *testing.T) {
	content := &RestrainedContent{
		SigSet: []*group.AuthenticatedContent{testAuthContent(1)},
		PowerSet: [][]RefPair{
			{},
			{{Sender: 0, Ref: group.Ref("aaaa")}},
			{{Sender: 0, Ref: group.Ref("aaaa")}, {Sender: 1, Ref: group.Ref("bbbb")}},
		},
		Proofs: []*group.AuthenticatedContent{testAuthContent(2), testAuthContent(3)},
	}

	raw := (&CascadeMessage{Instance: 1, Type: CascadeRC,
		RC: &RestrainedMessage{Type: RestrainedParticipate, Participate: content}}).Marshal()
	decoded, err := ParseCascadeMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	got := decoded.RC.Participate
	if !reflect.DeepEqual(got.SigSet, content.SigSet) ||
		!reflect.DeepEqual(got.Proofs, content.Proofs) {
		t.Fatalf("RestrainedContent signatures mismatch")
	}
	if len(got.PowerSet) != len(content.PowerSet) {
		t.Fatalf("PowerSet length mismatch: %d vs %d", len(got.PowerSet), len(content.PowerSet))
	}
	for i := range content.PowerSet {
		if len(content.PowerSet[i]) == 0 && len(got.PowerSet[i]) == 0 {
			continue
		}
		if !reflect.DeepEqual(got.PowerSet[i], content.PowerSet[i]) {
			t.Fatalf("PowerSet[%d] mismatch. Expected %#v, got %#v", i, content.PowerSet[i], got.PowerSet[i])
		}
	}

	retract := &RestrainedMessage{Type: RestrainedRetract, Retract: testAuthContent(9)}
	raw = (&CascadeMessage{Instance: 1, Type: CascadeRC, RC: retract}).Marshal()
	decoded, err = ParseCascadeMessage(raw)
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if !reflect.DeepEqual(decoded.RC.Retract, retract.Retract) {
		t.Fatalf("Retract mismatch")
	}
}

func TestConsensusMessageRoundTrip(t *testing.T) {
	content := &CAC2Content{
		Refs: []group.Ref{group.Ref("ref-one"), group.Ref("ref-two")},
		Sigs: []*group.AuthenticatedContent{testAuthContent(1)},
	}

	cases := []*ConsensusMessage{
		{Type: ConsensusPropose, View: 3, Content: content},
		{Type: ConsensusPrePrepare, Signed: testAuthContent(2), Proposed: content},
		{Type: ConsensusPrepare, Signed: testAuthContent(3)},
		{Type: ConsensusCommit, Signed: testAuthContent(4)},
		{Type: ConsensusViewChange, Signed: testAuthContent(5)},
	}

	for _, msg := range cases {
		raw := (&CascadeMessage{Instance: 0, Type: CascadeFC, Cons: msg}).Marshal()
		decoded, err := ParseCascadeMessage(raw)
		if err != nil {
			t.Fatalf("Error decoding type %d: %s", msg.Type, err)
		}
		if !reflect.DeepEqual(decoded.Cons, msg) {
			t.Fatalf("ConsensusMessage type %d mismatch. Expected %#v, got %#v",
				msg.Type, msg, decoded.Cons)
		}
	}
}

func TestCACSignatureDataRoundTrip(t *testing.T) {
	data := &CACSignatureData{Sequence: 12, Kind: CACReady, Ref: group.Ref("some-ref")}

	decoded, err := ParseCACSignatureData(data.Marshal())
	if err != nil {
		t.Fatalf("Error decoding: %s", err)
	}
	if !reflect.DeepEqual(data, decoded) {
		t.Fatalf("CACSignatureData mismatch. Expected %#v, got %#v", data, decoded)
	}

	bad := &CACSignatureData{Sequence: 1, Kind: 9, Ref: group.Ref("r")}
	if _, err := ParseCACSignatureData(bad.Marshal()); err == nil {
		t.Fatal("Unknown kind should not decode")
	}
}

func TestUnknownTag(t *testing.T) {
	if _, err := ParseDDSMessage([]byte{0x7F}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("Expected ErrUnknownTag, got %v", err)
	}
	if _, err := ParseGossipMessage([]byte{0x7F}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("Expected ErrUnknownTag, got %v", err)
	}
	if _, err := ParseCascadeMessage([]byte{1, 0x7F}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("Expected ErrUnknownTag, got %v", err)
	}
	if _, err := ParseDDSMessage(nil); err == nil {
		t.Fatal("Empty frame should not decode")
	}
}
