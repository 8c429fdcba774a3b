// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pion/stun/v3"

	"github.com/bureau-foundation/tallow/lib/digest"
)

var addrComparer = cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestClassify(t *testing.T) {
	local := netip.MustParseAddrPort("192.168.1.10:5000")
	public := netip.MustParseAddrPort("203.0.113.7:40000")
	other := netip.MustParseAddrPort("203.0.113.7:40001")
	observed := func(mapped ...netip.AddrPort) []Observation {
		var out []Observation
		for _, addr := range mapped {
			out = append(out, Observation{Observer: "stun", Mapped: addr})
		}
		return out
	}

	tests := []struct {
		name    string
		results ProbeResults
		want    Classification
	}{
		{"no observers answered", ProbeResults{Observations: []Observation{{Observer: "a"}, {Observer: "b"}}}, Blocked},
		{"nothing probed", ProbeResults{}, Blocked},
		{"mappings differ", ProbeResults{Observations: observed(public, other)}, Symmetric},
		{"mappings differ with filtering", ProbeResults{Observations: observed(public, other), Filtering: Filtering{Tested: true, OtherAddress: true}}, Symmetric},
		{"mapping equals local", ProbeResults{Local: []netip.AddrPort{public}, Observations: observed(public, public)}, Open},
		{"answer from other address", ProbeResults{Local: []netip.AddrPort{local}, Observations: observed(public), Filtering: Filtering{Tested: true, OtherAddress: true, OtherPort: true}}, Open},
		{"answer from other port only", ProbeResults{Local: []netip.AddrPort{local}, Observations: observed(public, public), Filtering: Filtering{Tested: true, OtherPort: true}}, AddressRestricted},
		{"no filtering answers", ProbeResults{Local: []netip.AddrPort{local}, Observations: observed(public, public), Filtering: Filtering{Tested: true}}, PortRestricted},
		{"filtering not tested", ProbeResults{Local: []netip.AddrPort{local}, Observations: observed(public)}, PortRestricted},
		{"one silent observer", ProbeResults{Observations: append(observed(public), Observation{Observer: "silent"})}, PortRestricted},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Classify(test.results)
			if got != test.want {
				t.Errorf("Classify = %s, want %s", got, test.want)
			}
			if again := Classify(test.results); again != got {
				t.Errorf("Classify not deterministic: %s then %s", got, again)
			}
		})
	}
}

func TestClassificationText(t *testing.T) {
	for class := Unknown; class <= Blocked; class++ {
		text, err := class.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var parsed Classification
		if err := parsed.UnmarshalText(text); err != nil || parsed != class {
			t.Errorf("round trip of %s = %s, %v", class, parsed, err)
		}
	}
	if !PortRestricted.Cone() || Symmetric.Cone() || Blocked.Cone() {
		t.Error("Cone misclassifies")
	}
}

// stunServer answers Binding requests on loopback. mapped overrides the
// reported address; other answers CHANGE-REQUEST port changes from a
// second socket.
type stunServer struct {
	conn   net.PacketConn
	other  net.PacketConn
	mapped netip.AddrPort
	silent atomic.Bool
	seen   atomic.Int32
}

func newSTUNServer(t *testing.T, mapped string, withOther bool) *stunServer {
	t.Helper()
	server := &stunServer{conn: listenUDP(t)}
	if mapped != "" {
		server.mapped = mustAddr(t, mapped)
	}
	if withOther {
		server.other = listenUDP(t)
	}
	go server.serve()
	return server
}

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *stunServer) address() string { return s.conn.LocalAddr().String() }

func (s *stunServer) serve() {
	buffer := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFrom(buffer)
		if err != nil {
			return
		}
		s.seen.Add(1)
		if s.silent.Load() {
			continue
		}
		request := &stun.Message{Raw: append([]byte(nil), buffer[:n]...)}
		if request.Decode() != nil {
			continue
		}
		udp := from.(*net.UDPAddr)
		reported := &stun.XORMappedAddress{IP: udp.IP, Port: udp.Port}
		if s.mapped.IsValid() {
			reported = &stun.XORMappedAddress{IP: s.mapped.Addr().AsSlice(), Port: int(s.mapped.Port())}
		}
		response, err := stun.Build(stun.NewTransactionIDSetter(request.TransactionID), stun.BindingSuccess, reported)
		if err != nil {
			continue
		}
		reply := s.conn
		if flags, err := request.Get(stun.AttrChangeRequest); err == nil && len(flags) == 4 {
			if flags[3]&changeIP != 0 {
				// A loopback server has no second IP to answer from.
				continue
			}
			if flags[3]&changePort != 0 {
				if s.other == nil {
					continue
				}
				reply = s.other
			}
		}
		reply.WriteTo(response.Raw, from)
	}
}

func TestProberAgreeingObservers(t *testing.T) {
	a := newSTUNServer(t, "203.0.113.7:40000", false)
	b := newSTUNServer(t, "203.0.113.7:40000", false)
	prober := NewProber(ProberConfig{Observers: []string{a.address(), b.address()}, Timeout: 2 * time.Second}, testLogger())

	results, err := prober.ProbeConn(context.Background(), listenUDP(t))
	if err != nil {
		t.Fatalf("ProbeConn: %v", err)
	}
	want := []netip.AddrPort{mustAddr(t, "203.0.113.7:40000")}
	if diff := cmp.Diff(want, results.Mapped(), addrComparer); diff != "" {
		t.Errorf("Mapped mismatch (-want +got):\n%s", diff)
	}
	if got := Classify(results); got != PortRestricted {
		t.Errorf("Classify = %s, want port-restricted", got)
	}
}

func TestProberDifferingMappingsIsSymmetric(t *testing.T) {
	a := newSTUNServer(t, "203.0.113.7:40000", false)
	b := newSTUNServer(t, "203.0.113.7:40001", false)
	prober := NewProber(ProberConfig{Observers: []string{a.address(), b.address()}, Timeout: 2 * time.Second}, testLogger())
	results, err := prober.ProbeConn(context.Background(), listenUDP(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := Classify(results); got != Symmetric {
		t.Errorf("Classify = %s, want symmetric", got)
	}
}

func TestProberReportsRealMappingAsOpen(t *testing.T) {
	server := newSTUNServer(t, "", false)
	prober := NewProber(ProberConfig{Observers: []string{server.address()}, Timeout: 2 * time.Second}, testLogger())
	results, err := prober.ProbeConn(context.Background(), listenUDP(t))
	if err != nil {
		t.Fatal(err)
	}
	// Without a NAT the observer sees the bound loopback address.
	if got := Classify(results); got != Open {
		t.Errorf("Classify = %s, want open (results %+v)", got, results)
	}
}

func TestProberSilentObserversAreBlocked(t *testing.T) {
	server := newSTUNServer(t, "", false)
	server.silent.Store(true)
	prober := NewProber(ProberConfig{
		Observers:  []string{server.address()},
		Timeout:    300 * time.Millisecond,
		Retransmit: 50 * time.Millisecond,
	}, testLogger())
	results, err := prober.ProbeConn(context.Background(), listenUDP(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := Classify(results); got != Blocked {
		t.Errorf("Classify = %s, want blocked", got)
	}
	if server.seen.Load() < 2 {
		t.Errorf("server saw %d requests, want retransmissions", server.seen.Load())
	}
}

func TestProberFilteringTests(t *testing.T) {
	server := newSTUNServer(t, "203.0.113.7:40000", true)
	prober := NewProber(ProberConfig{
		Observers:     []string{server.address()},
		Timeout:       500 * time.Millisecond,
		Retransmit:    100 * time.Millisecond,
		ChangeRequest: true,
	}, testLogger())
	results, err := prober.ProbeConn(context.Background(), listenUDP(t))
	if err != nil {
		t.Fatal(err)
	}
	want := Filtering{Tested: true, OtherPort: true}
	if results.Filtering != want {
		t.Errorf("Filtering = %+v, want %+v", results.Filtering, want)
	}
	if got := Classify(results); got != AddressRestricted {
		t.Errorf("Classify = %s, want address-restricted", got)
	}
}

func TestProberCancelled(t *testing.T) {
	server := newSTUNServer(t, "", false)
	server.silent.Store(true)
	prober := NewProber(ProberConfig{Observers: []string{server.address()}, Timeout: time.Minute}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if _, err := prober.ProbeConn(ctx, listenUDP(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("ProbeConn error = %v, want context.Canceled", err)
	}
	if _, err := NewProber(ProberConfig{}, nil).Probe(context.Background()); !errors.Is(err, ErrNoObservers) {
		t.Errorf("Probe with no observers = %v, want ErrNoObservers", err)
	}
}

type countingProber struct {
	calls   int
	results ProbeResults
}

func (p *countingProber) Probe(context.Context) (ProbeResults, error) {
	p.calls++
	return p.results, nil
}

func TestClassifierCachesPerAttachment(t *testing.T) {
	prober := &countingProber{results: ProbeResults{Observations: []Observation{{Mapped: netip.MustParseAddrPort("203.0.113.7:1")}}}}
	classifier := NewClassifier(prober, testLogger())
	attachment := digest.Sum(digest.Attachment, []byte("wifi"))
	classifier.attachment = func() (digest.Hash, error) { return attachment, nil }

	if got := classifier.Cached(); got != Unknown {
		t.Errorf("Cached before probing = %s", got)
	}
	for range 3 {
		class, _, err := classifier.Classify(context.Background())
		if err != nil || class != PortRestricted {
			t.Fatalf("Classify = %s, %v", class, err)
		}
	}
	if prober.calls != 1 {
		t.Errorf("probes = %d, want 1", prober.calls)
	}

	attachment = digest.Sum(digest.Attachment, []byte("ethernet"))
	if got := classifier.Cached(); got != Unknown {
		t.Errorf("Cached after attachment change = %s, want unknown", got)
	}
	classifier.Classify(context.Background())
	if prober.calls != 2 {
		t.Errorf("probes after attachment change = %d, want 2", prober.calls)
	}

	classifier.Invalidate()
	classifier.Classify(context.Background())
	if prober.calls != 3 {
		t.Errorf("probes after Invalidate = %d, want 3", prober.calls)
	}
}

func TestAddressPolicy(t *testing.T) {
	strict := AddressPolicy{}
	for _, bad := range []string{"127.0.0.1:1234", "[::1]:1234", "169.254.1.1:1234", "255.255.255.255:1234", "224.0.0.1:1234", "0.0.0.0:1234", "192.168.1.1:0", "[fe80::1]:80"} {
		if err := strict.Validate(mustAddr(t, bad)); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Validate(%s) = %v, want ErrInvalidAddress", bad, err)
		}
	}
	for _, good := range []string{"192.168.1.42:8080", "8.8.8.8:4433", "[2001:db8::1]:4433", "255.255.255.254:65535"} {
		if err := strict.Validate(mustAddr(t, good)); err != nil {
			t.Errorf("Validate(%s) = %v", good, err)
		}
	}
	if err := (AddressPolicy{AllowLoopback: true}).Validate(mustAddr(t, "127.0.0.1:9")); err != nil {
		t.Errorf("loopback with AllowLoopback: %v", err)
	}
}

func TestCandidateDescriptor(t *testing.T) {
	candidates := []Candidate{
		{Address: mustAddr(t, "198.51.100.4:7000"), Kind: Relayed, Priority: Priority(Relayed, 65535)},
		{Address: mustAddr(t, "192.168.1.42:5000"), Kind: Host, Priority: Priority(Host, 65535)},
		{Address: mustAddr(t, "[2001:db8::1]:5000"), Kind: Reflexive, Priority: Priority(Reflexive, 100), RTT: 12 * time.Millisecond},
	}
	data, err := EncodeCandidates(candidates, AddressPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeCandidates(data, AddressPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	want := []Candidate{candidates[1], candidates[2], candidates[0]}
	if diff := cmp.Diff(want, decoded, addrComparer); diff != "" {
		t.Errorf("decoded candidates mismatch (-want +got):\n%s", diff)
	}

	bad := []Candidate{{Address: mustAddr(t, "127.0.0.1:1"), Kind: Host}}
	if _, err := EncodeCandidates(bad, AddressPolicy{}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("EncodeCandidates(loopback) = %v", err)
	}
	loopback, err := EncodeCandidates(bad, AddressPolicy{AllowLoopback: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeCandidates(loopback, AddressPolicy{}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("DecodeCandidates(loopback) = %v, want ErrInvalidAddress", err)
	}
	if _, err := DecodeCandidates([]byte{0xff, 0x00}, AddressPolicy{}); err == nil {
		t.Error("garbage descriptor decoded")
	}
}

func TestPriorityOrdersKinds(t *testing.T) {
	if !(Priority(Host, 0) > Priority(Reflexive, 65535) && Priority(Reflexive, 0) > Priority(Relayed, 65535)) {
		t.Error("kind preference does not dominate local preference")
	}
}

func TestGatherer(t *testing.T) {
	prober := &countingProber{results: ProbeResults{Observations: []Observation{
		{Mapped: mustAddr(t, "203.0.113.7:40000"), RTT: 20 * time.Millisecond},
		{Mapped: mustAddr(t, "203.0.113.7:40000"), RTT: 30 * time.Millisecond},
		{},
	}}}
	classifier := NewClassifier(prober, testLogger())
	classifier.attachment = func() (digest.Hash, error) { return digest.Hash{1}, nil }

	gatherer := NewGatherer(classifier, GathererConfig{
		Relays: []netip.AddrPort{mustAddr(t, "198.51.100.4:7443")},
		Interfaces: func() ([]netip.Addr, error) {
			return []netip.Addr{
				netip.MustParseAddr("127.0.0.1"),
				netip.MustParseAddr("2001:db8::5"),
				netip.MustParseAddr("192.168.1.42"),
				netip.MustParseAddr("fe80::1"),
			}, nil
		},
	}, testLogger())

	candidates, class, err := gatherer.Gather(context.Background(), 5000)
	if err != nil {
		t.Fatal(err)
	}
	if class != PortRestricted {
		t.Errorf("classification = %s", class)
	}
	var got []string
	for _, candidate := range candidates {
		got = append(got, candidate.Kind.String()+" "+candidate.Address.String())
	}
	want := []string{
		"host 192.168.1.42:5000",
		"host [2001:db8::5]:5000",
		"srflx 203.0.113.7:40000",
		"relay 198.51.100.4:7443",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
}
