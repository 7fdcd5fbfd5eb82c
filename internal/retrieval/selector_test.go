package retrieval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxelbench.ai/internal/buildproto"
)

func TestSelector_SupersededGenerationIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/slow/") {
			hangAfterHello(t)(rw, r)
			return
		}
		writeEvents(t, rw, goodStream(buildproto.SourceLive)...)
	}))
	defer srv.Close()

	updates := make(chan Update, 128)
	sel := NewSelector(newTestClient(srv.URL), updates)

	first := sel.Select(context.Background(), Request{BuildID: "slow"})
	// Let the first retrieval reach the server before superseding it.
	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case u := <-updates:
			started = u.Progress.State == StateStreaming
		case <-deadline:
			t.Fatalf("first selection never started streaming")
		}
	}

	second := sel.Select(context.Background(), Request{BuildID: "fast"})
	if second != first+1 || sel.Current() != second {
		t.Fatalf("generations: first=%d second=%d current=%d", first, second, sel.Current())
	}
	sel.Wait()
	close(updates)

	var final *Update
	for u := range updates {
		if u.Generation == first {
			t.Fatalf("update from superseded generation: %+v", u)
		}
		if u.Final {
			u := u
			final = &u
		}
	}
	if final == nil || final.Err != nil || final.Result.Build.Len() != 10 {
		t.Fatalf("final update: %+v", final)
	}
	if final.Request.BuildID != "fast" {
		t.Fatalf("final request: %+v", final.Request)
	}
}

func TestSelector_CancelSuppressesFinal(t *testing.T) {
	srv := httptest.NewServer(hangAfterHello(t))
	defer srv.Close()

	updates := make(chan Update, 128)
	sel := NewSelector(newTestClient(srv.URL), updates)
	sel.Select(context.Background(), Request{BuildID: "slow"})

	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case u := <-updates:
			started = u.Progress.State == StateStreaming
		case <-deadline:
			t.Fatalf("never started streaming")
		}
	}
	sel.Cancel()
	sel.Wait()
	close(updates)
	for u := range updates {
		if u.Final {
			t.Fatalf("canceled selection produced a final update: %+v", u)
		}
	}
}
