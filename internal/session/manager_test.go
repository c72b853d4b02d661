package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsksmart/RSKWalletConnect/internal/dispatch"
	"github.com/rsksmart/RSKWalletConnect/internal/gate"
	"github.com/rsksmart/RSKWalletConnect/internal/identity"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
	"github.com/rsksmart/RSKWalletConnect/internal/wc/wctest"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var (
	testURI  = "wc:4d2c7a41-topic@1?bridge=https%3A%2F%2Fbridge.example.org&key=" + hex.EncodeToString(make([]byte, 32))
	dappMeta = wc.PeerMeta{Name: "Demo", Description: "A demo dapp", URL: "https://demo.app"}
)

const waitFor = 2 * time.Second

type harness struct {
	m      *Manager
	ch     *wctest.Channel
	dialer *wctest.Dialer
	gate   *gate.Pending
	reg    *identity.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p, err := identity.NewProviderFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	reg, err := identity.NewRegistry(p, identity.Mainnet, 0)
	require.NoError(t, err)

	h := &harness{
		ch:   wctest.NewChannel(),
		gate: gate.NewPending(),
		reg:  reg,
	}
	h.dialer = &wctest.Dialer{Channel: h.ch}
	h.m = NewManager(Config{
		Registry: reg,
		Dialer:   h.dialer,
		Gate:     h.gate,
		Meta:     wc.PeerMeta{Name: "RSK Wallet"},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.m.Close(ctx)
	})
	return h
}

// prompt waits until the gate holds exactly n prompts and returns the oldest.
func (h *harness) prompt(t *testing.T, n int) gate.Prompt {
	t.Helper()
	require.Eventually(t, func() bool { return h.gate.Len() == n }, waitFor, 5*time.Millisecond)
	return h.gate.List()[0]
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, waitFor, 5*time.Millisecond)
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta, ChainID: 30})
	p := h.prompt(t, 1)
	require.Equal(t, gate.KindSession, p.Kind)
	require.NoError(t, h.gate.Resolve(p.ID, gate.Approve))
	h.waitState(t, Connected)
}

func (h *harness) signRequest(id int64, address, message string) *wc.CallRequest {
	a, _ := json.Marshal(address)
	msg, _ := json.Marshal(message)
	return &wc.CallRequest{ID: id, Method: wc.MethodSign, Params: []json.RawMessage{a, msg}}
}

func (h *harness) waitResponses(t *testing.T, id int64, n int) []wc.Response {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.ch.ResponsesFor(id)) >= n }, waitFor, 5*time.Millisecond)
	return h.ch.ResponsesFor(id)
}

func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestOpenMalformedURI(t *testing.T) {
	h := newHarness(t)

	err := h.m.Open(context.Background(), "https://not-a-session")
	assert.ErrorIs(t, err, wc.ErrMalformedURI)
	assert.Equal(t, None, h.m.State())
	assert.Empty(t, h.dialer.Dials())
	assert.NotEmpty(t, h.m.Snapshot().LastError)
}

func TestOpenDialFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.Err = errors.New("relay down")

	err := h.m.Open(context.Background(), testURI)
	assert.ErrorIs(t, err, wc.ErrChannel)
	assert.Equal(t, None, h.m.State())
	assert.Contains(t, h.m.Snapshot().LastError, "relay down")
}

func TestOpenTwice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background(), testURI))
	assert.Equal(t, Pending, h.m.State())
	assert.ErrorIs(t, h.m.Open(context.Background(), testURI), ErrSessionActive)
}

func TestApproveSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	resps := h.waitResponses(t, 1, 1)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)
	result := asMap(t, resps[0].Result)
	assert.Equal(t, true, result["approved"])
	assert.Equal(t, float64(30), result["chainId"])
	assert.Equal(t, float64(0), result["activeIndex"])
	assert.Equal(t, "wallet-client", result["peerId"])
	cur := h.reg.Current()
	assert.Equal(t, []any{cur.Identities[0].Address, cur.Identities[1].Address}, result["accounts"])

	snap := h.m.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "connected", snap.State)
	require.NotNil(t, snap.PeerMeta)
	assert.Equal(t, "Demo", snap.PeerMeta.Name)
	assert.Equal(t, testURI, snap.URI)
	require.Len(t, snap.Identities, 2)
	assert.True(t, snap.Identities[0].Active)
	assert.Equal(t, "m/44'/137'/0'/0/60", snap.Identities[0].Path)
}

func TestSessionPromptDescribesPeer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta})

	p := h.prompt(t, 1)
	assert.Equal(t, "Name: Demo - Description: A demo dapp - Url: https://demo.app", p.Message)
	assert.Equal(t, "Demo", p.App)
	assert.Equal(t, "https://demo.app", p.Origin)
}

func TestDenySession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta})
	require.NoError(t, h.gate.Resolve(h.prompt(t, 1).ID, gate.Deny))

	h.waitState(t, None)
	resps := h.waitResponses(t, 1, 1)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, "Session Rejected", resps[0].Error.Message)

	snap := h.m.Snapshot()
	assert.False(t, snap.Connected)
	assert.Nil(t, snap.PeerMeta)
	assert.True(t, h.ch.Closed())
}

func TestCallBeforeApprovalIsRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(h.signRequest(5, h.reg.Current().Identities[0].Address, "early"))

	resps := h.waitResponses(t, 5, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, "session not approved", resps[0].Error.Message)
	assert.Zero(t, h.gate.Len())
}

func TestEventsAreHandledInOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	addr := h.reg.Current().Identities[0].Address

	h.ch.Push(h.signRequest(10, addr, "first"))
	h.ch.Push(h.signRequest(11, addr, "second"))

	p := h.prompt(t, 1)
	assert.Equal(t, "10", p.ID)
	// the second request is not looked at until the first is answered
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.gate.Len())
	assert.Empty(t, h.ch.ResponsesFor(11))

	require.NoError(t, h.gate.Resolve("10", gate.Deny))
	p = h.prompt(t, 1)
	assert.Equal(t, "11", p.ID)
	require.NoError(t, h.gate.Resolve("11", gate.Approve))

	h.waitResponses(t, 11, 1)
	var order []int64
	for _, r := range h.ch.Responses() {
		order = append(order, r.ID)
	}
	assert.Equal(t, []int64{1, 10, 11}, order)
}

func TestUpdateSessionWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.m.UpdateSession(context.Background(), int64(identity.Testnet), 1))
	assert.Equal(t, Connected, h.m.State())
	assert.Len(t, h.dialer.Dials(), 1, "the channel is reused")

	reqs := h.ch.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, wc.MethodSessionUpdate, reqs[0].Method)
	update := asMap(t, reqs[0].Params[0])
	assert.Equal(t, true, update["approved"])
	assert.Equal(t, float64(31), update["chainId"])

	testIDs, err := h.reg.Identities(identity.Testnet)
	require.NoError(t, err)
	assert.Equal(t, []any{testIDs[0].Address, testIDs[1].Address}, update["accounts"])

	cur := h.reg.Current()
	assert.Equal(t, identity.Testnet, cur.Network)
	assert.Equal(t, 1, cur.ActiveSlot)

	// requests now resolve against the new identities
	h.ch.Push(h.signRequest(20, testIDs[1].Address, "after switch"))
	require.NoError(t, h.gate.Resolve(h.prompt(t, 1).ID, gate.Approve))
	resps := h.waitResponses(t, 20, 1)
	require.Nil(t, resps[0].Error)
}

func TestUpdateSessionInvalidSlot(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	before := h.reg.Current()

	err := h.m.UpdateSession(context.Background(), int64(identity.Testnet), 2)
	assert.ErrorIs(t, err, identity.ErrInvalidSlot)
	assert.Empty(t, h.ch.Requests())
	assert.Equal(t, before, h.reg.Current())
	assert.Equal(t, Connected, h.m.State())

	err = h.m.UpdateSession(context.Background(), 1, 0)
	assert.ErrorIs(t, err, identity.ErrUnknownNetwork)
}

func TestUpdateSessionBeforeApproval(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.UpdateSession(context.Background(), int64(identity.Testnet), 1))
	assert.Equal(t, identity.Testnet, h.reg.Current().Network)

	require.NoError(t, h.m.Open(context.Background(), testURI))
	require.NoError(t, h.m.UpdateSession(context.Background(), int64(identity.Testnet), 0))
	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta})
	require.NoError(t, h.gate.Resolve(h.prompt(t, 1).ID, gate.Approve))
	h.waitState(t, Connected)

	assert.Empty(t, h.ch.Requests(), "no update is sent before the session is connected")
	result := asMap(t, h.waitResponses(t, 1, 1)[0].Result)
	assert.Equal(t, float64(31), result["chainId"])
	assert.Equal(t, float64(0), result["activeIndex"])
}

func TestDisconnectWhileAwaitingDecision(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.ch.Push(h.signRequest(30, h.reg.Current().Identities[0].Address, "pending"))
	h.prompt(t, 1)
	h.ch.Push(&wc.Disconnect{Reason: "peer left"})

	h.waitState(t, None)
	require.Eventually(t, func() bool { return h.gate.Len() == 0 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, h.gate.Resolve("30", gate.Approve), gate.ErrUnknownPrompt)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.ch.ResponsesFor(30))
	snap := h.m.Snapshot()
	assert.Empty(t, snap.LastError)
	assert.Nil(t, snap.PeerMeta)
	assert.True(t, h.ch.Closed())
}

func TestDisconnectWhileSessionPromptPending(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta})
	h.prompt(t, 1)

	h.ch.Push(&wc.Disconnect{Reason: "peer left"})
	h.waitState(t, None)
	assert.Empty(t, h.ch.Responses())
}

func TestLocalDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.m.Disconnect(context.Background()))
	assert.Equal(t, None, h.m.State())
	assert.True(t, h.ch.Closed())

	reqs := h.ch.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, wc.MethodSessionUpdate, reqs[0].Method)
	assert.Equal(t, false, asMap(t, reqs[0].Params[0])["approved"])

	assert.ErrorIs(t, h.m.Disconnect(context.Background()), ErrNoSession)
}

func TestReopenAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, h.m.Disconnect(context.Background()))

	h.ch = wctest.NewChannel()
	h.dialer.Channel = h.ch
	h.connect(t)
	assert.Len(t, h.dialer.Dials(), 2)
}

func TestDuplicateCallIDAnsweredOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	addr := h.reg.Current().Identities[1].Address

	h.ch.Push(h.signRequest(40, addr, "once"))
	h.ch.Push(h.signRequest(40, addr, "twice"))
	h.ch.Push(h.signRequest(41, addr, "marker"))

	require.NoError(t, h.gate.Resolve(h.prompt(t, 1).ID, gate.Approve))
	p := h.prompt(t, 1)
	assert.Equal(t, "41", p.ID, "the repeated id never reaches the gate")
	require.NoError(t, h.gate.Resolve(p.ID, gate.Deny))

	h.waitResponses(t, 41, 1)
	assert.Len(t, h.ch.ResponsesFor(40), 1)
}

func TestUnsupportedAndUnknownDuringSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.ch.Push(&wc.CallRequest{ID: 50, Method: "eth_accounts"})
	h.ch.Push(h.signRequest(51, "0x"+strings.Repeat("1", 40), "who"))

	r50 := h.waitResponses(t, 50, 1)
	r51 := h.waitResponses(t, 51, 1)
	assert.Equal(t, "method not supported", r50[0].Error.Message)
	assert.Equal(t, "unknown account", r51[0].Error.Message)
	assert.Zero(t, h.gate.Len())
}

func TestTransactionApprovedDuringSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	tx, _ := json.Marshal(map[string]string{"from": h.reg.Current().Identities[0].Address, "to": "0x01"})
	h.ch.Push(&wc.CallRequest{ID: 60, Method: wc.MethodSendTransaction, Params: []json.RawMessage{tx}})

	p := h.prompt(t, 1)
	assert.Equal(t, gate.KindTransaction, p.Kind)
	require.NoError(t, h.gate.Resolve(p.ID, gate.Approve))
	assert.Equal(t, dispatch.PlaceholderTxHash, h.waitResponses(t, 60, 1)[0].Result)
}

func TestTransportCloseEndsSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.ch.Close())
	h.waitState(t, None)
}

func TestLateApprovalAfterPeerDisconnectIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	asked := make(chan struct{}, 1)
	late := gate.Func(func(ctx context.Context, _ gate.Prompt) (gate.Choice, error) {
		asked <- struct{}{}
		<-ctx.Done()
		return gate.Approve, nil
	})
	h.m.dispatcher = dispatch.New(dispatch.Config{Registry: h.reg, Gate: late})

	h.ch.Push(h.signRequest(30, h.reg.Current().Identities[0].Address, "pending"))
	<-asked
	h.ch.Push(&wc.Disconnect{Reason: "peer left"})

	h.waitState(t, None)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.ch.ResponsesFor(30))
}

func TestLateSessionApprovalAfterPeerDisconnectIsDiscarded(t *testing.T) {
	h := newHarness(t)
	asked := make(chan struct{}, 1)
	h.m.gate = gate.Func(func(ctx context.Context, _ gate.Prompt) (gate.Choice, error) {
		asked <- struct{}{}
		<-ctx.Done()
		return gate.Approve, nil
	})

	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta, ChainID: 30})
	<-asked
	h.ch.Push(&wc.Disconnect{Reason: "peer left"})

	h.waitState(t, None)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.ch.ResponsesFor(1))
	assert.Equal(t, None, h.m.State())
}

func TestEarlyCallIDStaysAnsweredAfterApproval(t *testing.T) {
	h := newHarness(t)
	addr := h.reg.Current().Identities[0].Address
	require.NoError(t, h.m.Open(context.Background(), testURI))
	h.ch.Push(h.signRequest(7, addr, "early"))
	h.waitResponses(t, 7, 1)

	h.ch.Push(&wc.SessionRequest{ID: 1, PeerID: "dapp", PeerMeta: dappMeta, ChainID: 30})
	require.NoError(t, h.gate.Resolve(h.prompt(t, 1).ID, gate.Approve))
	h.waitState(t, Connected)

	h.ch.Push(h.signRequest(7, addr, "again"))
	h.ch.Push(h.signRequest(8, addr, "marker"))
	p := h.prompt(t, 1)
	assert.Equal(t, "8", p.ID)
	require.NoError(t, h.gate.Resolve(p.ID, gate.Approve))

	h.waitResponses(t, 8, 1)
	resps := h.ch.ResponsesFor(7)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, "session not approved", resps[0].Error.Message)
}
