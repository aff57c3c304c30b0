package test

import (
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mech-lang/go-mech/pkg/mech/types"
)

type sineCompiler struct{}

func (sineCompiler) Compile(args []types.Value) ([]types.Value, error) {
	var angle float64
	if len(args) > 0 {
		angle, _ = args[0].AsNumber()
	}
	return []types.Value{types.NewNumber(math.Sin(angle))}, nil
}

func isString(m types.ClientMessage) bool {
	_, ok := m.(types.ClientString)
	return ok
}

// Loading a dependency-free program produces Ready, then StepDone,
// then Stop, in that order.
func TestProgram_LoadCodeAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	host := NewTestHost(t, "load-code", HostOptions{})
	defer host.Shutdown()

	host.ExpectEvent("ready", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientReady)
		return ok
	}, 5*time.Second)

	if err := host.Loop.Send(types.CodeMsg{Code: types.CodeFromString("#data = [1 2 3 4 5]")}); err != nil {
		t.Fatalf("failed sending code. %v", err)
	}
	host.ExpectEvent("step done", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientStepDone)
		return ok
	}, 5*time.Second)

	if err := host.Loop.Send(types.StopMsg{}); err != nil {
		t.Fatalf("failed sending stop. %v", err)
	}
	host.ExpectEvent("stop", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientStop)
		return ok
	}, 5*time.Second)
}

// A call to a function the core already has an implementation for
// evaluates during scheduling; the snapshot comes back over GetTable.
func TestProgram_FunctionCallEvaluates(t *testing.T) {
	defer goleak.VerifyNone(t)
	host := NewTestHost(t, "function-call", HostOptions{
		Seed: func(core *FakeCore) {
			core.PreregisterFunction("math/sin", sineCompiler{})
		},
	})
	defer host.Shutdown()

	if err := host.Loop.Send(types.CodeMsg{Code: types.CodeFromString("#test = math/sin(angle: 0)")}); err != nil {
		t.Fatalf("failed sending code. %v", err)
	}
	host.ExpectEvent("step done", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientStepDone)
		return ok
	}, 5*time.Second)

	if err := host.Loop.Send(types.GetTableMsg{TableID: types.HashString("test")}); err != nil {
		t.Fatalf("failed requesting table. %v", err)
	}
	message := host.ExpectEvent("table snapshot", func(m types.ClientMessage) bool {
		table, ok := m.(types.ClientTable)
		return ok && table.Table != nil
	}, 5*time.Second)

	table := message.(types.ClientTable).Table
	value, err := table.Get(1, 1)
	if err != nil {
		t.Fatalf("failed reading cell. %v", err)
	}
	n, ok := value.AsNumber()
	if !ok || math.Abs(n) > math.Nextafter(0, 1) {
		t.Fatalf("expected sin(0) = 0, found %s", value)
	}
}

// A function absent from the registry stays unresolved: the host
// reports a diagnostic and keeps serving commands, no Exit.
func TestProgram_MissingMachineDiagnostic(t *testing.T) {
	defer goleak.VerifyNone(t)
	host := NewTestHost(t, "missing-machine", HostOptions{})
	defer host.Shutdown()

	if err := host.Loop.Send(types.CodeMsg{Code: types.CodeFromString("#x = nosuch/fn(arg: 1)")}); err != nil {
		t.Fatalf("failed sending code. %v", err)
	}

	sawDiagnostic := false
	for {
		message, ok := host.NextMatching(func(m types.ClientMessage) bool { return true }, 5*time.Second)
		if !ok {
			t.Fatal("timed out waiting for step done")
		}
		switch m := message.(type) {
		case types.ClientString:
			if strings.Contains(m.Text, "nosuch/fn") {
				sawDiagnostic = true
			}
		case types.ClientExit:
			t.Fatalf("unexpected exit %d", m.Code)
		case types.ClientStepDone:
			if !sawDiagnostic {
				t.Fatal("expected a diagnostic about nosuch/fn")
			}
			// Still responsive after the failure.
			if err := host.Loop.Send(types.StopMsg{}); err != nil {
				t.Fatalf("failed sending stop. %v", err)
			}
			host.ExpectEvent("stop", func(m types.ClientMessage) bool {
				_, ok := m.(types.ClientStop)
				return ok
			}, 5*time.Second)
			return
		}
	}
}

// While paused, transactions are dropped: core snapshots before and
// after are identical.
func TestProgram_PauseDropsTransactions(t *testing.T) {
	defer goleak.VerifyNone(t)
	host := NewTestHost(t, "pause", HostOptions{})
	defer host.Shutdown()

	if err := host.Loop.Send(types.CodeMsg{Code: types.CodeFromString("#data = [1 2 3]")}); err != nil {
		t.Fatalf("failed sending code. %v", err)
	}
	host.ExpectEvent("step done", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientStepDone)
		return ok
	}, 5*time.Second)

	if err := host.Loop.Send(types.PauseMsg{}); err != nil {
		t.Fatalf("failed sending pause. %v", err)
	}
	host.ExpectEvent("pause", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientPause)
		return ok
	}, 5*time.Second)

	txn := types.Transaction{Changes: []types.Change{
		types.SetChange(types.HashString("data"), []types.CellWrite{
			{Row: 1, Col: 1, Value: types.NewNumber(99)},
		}),
	}}
	host.Loop.Send(types.TxnMsg{Txn: txn})

	zero := uint64(0)
	host.Loop.Send(types.PrintCoreMsg{CoreID: &zero})
	first := host.ExpectEvent("first snapshot", isString, 5*time.Second).(types.ClientString)

	host.Loop.Send(types.ResumeMsg{})
	host.ExpectEvent("resume", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientResume)
		return ok
	}, 5*time.Second)

	host.Loop.Send(types.PrintCoreMsg{CoreID: &zero})
	second := host.ExpectEvent("second snapshot", isString, 5*time.Second).(types.ClientString)

	if first.Text != second.Text {
		t.Fatalf("paused transaction mutated the core.\nbefore: %s\nafter: %s", first.Text, second.Text)
	}
}

// Connecting to our own address changes nothing: the peer table stays
// empty.
func TestProgram_SelfConnectIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)
	host := NewTestHost(t, "self-connect", HostOptions{})
	defer host.Shutdown()

	if host.Loop.SocketAddress == "" {
		t.Skip("no mesh socket available")
	}
	host.Loop.Send(types.ConnectMsg{Socket: types.UdpPeer{Address: host.Loop.SocketAddress}})
	host.Loop.Send(types.PrintDebugMsg{})

	message := host.ExpectEvent("debug dump", isString, 5*time.Second).(types.ClientString)
	if !strings.Contains(message.Text, "peers: 0") {
		t.Fatalf("self connect should not register a peer.\n%s", message.Text)
	}
}

// Two hosts on loopback UDP: the producer runs a program, the
// consumer connects and subscribes, and eventually observes the
// producer's table through a fanned-out transaction.
func TestMesh_RemoteTableSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	out := types.RegisterAll(types.HashString("out"))

	producer := NewTestHost(t, "mesh-producer", HostOptions{})
	defer producer.Shutdown()
	consumer := NewTestHost(t, "mesh-consumer", HostOptions{
		Seed: func(core *FakeCore) {
			core.AddInput(out)
		},
	})
	defer consumer.Shutdown()

	if producer.Loop.SocketAddress == "" || consumer.Loop.SocketAddress == "" {
		t.Skip("no mesh socket available")
	}

	if err := producer.Loop.Send(types.CodeMsg{Code: types.CodeFromString("#out = [42]")}); err != nil {
		t.Fatalf("failed sending code. %v", err)
	}
	producer.ExpectEvent("step done", func(m types.ClientMessage) bool {
		_, ok := m.(types.ClientStepDone)
		return ok
	}, 5*time.Second)

	if err := consumer.Loop.Send(types.ConnectMsg{Socket: types.UdpPeer{Address: producer.Loop.SocketAddress}}); err != nil {
		t.Fatalf("failed sending connect. %v", err)
	}

	// The connect handshake and snapshot fanout settle eventually;
	// poll the consumer's core until the table lands.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		consumer.Loop.Send(types.GetTableMsg{TableID: out.Table.ID})
		message, ok := consumer.NextMatching(func(m types.ClientMessage) bool {
			_, isTable := m.(types.ClientTable)
			return isTable
		}, time.Second)
		if ok {
			if table := message.(types.ClientTable).Table; table != nil {
				value, err := table.Get(1, 1)
				if err == nil {
					if n, isNum := value.AsNumber(); isNum && n == 42 {
						return
					}
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("consumer never observed the producer's table")
}
