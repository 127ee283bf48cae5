package mock

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestGenerator_ServesExport(t *testing.T) {
	g := NewGenerator(WithSeed(1))
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	status, body := get(t, srv.URL+"/p/welcome/export/txt")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.HasPrefix(body, "# Welcome\n") {
		t.Errorf("body = %q", body)
	}

	status, body = get(t, srv.URL+"/p/unknown/export/txt")
	if status != http.StatusOK || body != "" {
		t.Errorf("unknown pad: status %d body %q, want empty 200", status, body)
	}
}

func TestGenerator_EditorPageEscapes(t *testing.T) {
	g := NewGenerator()
	g.SetText("xss", "<script>alert(1)</script>")
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	status, body := get(t, srv.URL+"/p/xss")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if strings.Contains(body, "<script>") || !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("pad text not escaped: %q", body)
	}
}

func TestGenerator_StepChangesPads(t *testing.T) {
	g := NewGenerator(WithSeed(1))

	before, _ := g.Text("newsletter")
	staticBefore, _ := g.Text("welcome")
	g.Step()
	after, _ := g.Text("newsletter")
	staticAfter, _ := g.Text("welcome")

	if before == after {
		t.Error("steady pad did not change after a step")
	}
	if staticBefore != staticAfter {
		t.Error("static pad changed")
	}
}

func TestGenerator_SetTextAndFailing(t *testing.T) {
	g := NewGenerator()
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	g.SetText("alpha", "hello")
	if _, body := get(t, srv.URL+"/p/alpha/export/txt"); body != "hello\n" {
		t.Errorf("body = %q, want %q", body, "hello\n")
	}

	g.SetFailing("alpha", true)
	if status, _ := get(t, srv.URL+"/p/alpha/export/txt"); status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}

	g.SetFailing("alpha", false)
	if status, _ := get(t, srv.URL+"/p/alpha/export/txt"); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
}

func TestGenerator_FlakyPadFailsPeriodically(t *testing.T) {
	g := NewGenerator(WithSeed(1))

	failures := 0
	for i := 0; i < 10; i++ {
		g.Step()
		if _, ok := g.Text("flaky"); !ok {
			failures++
		}
	}
	if failures != 3 {
		t.Errorf("flaky pad failed %d of 10 ticks, want 3", failures)
	}
}

func TestGenerator_StartAdvancesUntilCancelled(t *testing.T) {
	g := NewGenerator(WithTick(10 * time.Millisecond))
	before, _ := g.Text("newsletter")

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		now, _ := g.Text("newsletter")
		if now != before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pad did not change while running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}
