package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pipeline/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(routes.WithLabelValues(RouteMessage, OutcomeDelivered))
	RecordRoute(RouteMessage, OutcomeDelivered)
	if got := testutil.ToFloat64(routes.WithLabelValues(RouteMessage, OutcomeDelivered)); got != before+1 {
		t.Fatalf("route counter got=%v want=%v", got, before+1)
	}

	RecordFrame("SEND", DirectionIn)
	RecordProtocolError()
	RecordExec("serial", 0, false, 12*time.Millisecond)
	RecordExec("serial", -1, true, time.Second)
	SetRegisteredTerminals(2)
	if got := testutil.ToFloat64(registeredTerminals); got != 2 {
		t.Fatalf("registered terminals gauge got=%v", got)
	}
	SessionOpened()
	SessionClosed()
}

func TestExitCodeLabel(t *testing.T) {
	testlog.Start(t)
	cases := map[int32]string{0: "0", 1: "nonzero", 2: "nonzero", 127: "127", -1: "aborted"}
	for code, want := range cases {
		if got := exitCodeLabel(code); got != want {
			t.Fatalf("exitCodeLabel(%d) got=%q want=%q", code, got, want)
		}
	}
}

func TestServeMetricsExposesRegistry(t *testing.T) {
	testlog.Start(t)
	RecordFrame("LIST", DirectionOut)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeMetrics(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "pipeline_session_frames_total") {
		t.Fatalf("metrics body missing frames counter")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve metrics: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("metrics server did not stop")
	}
}
