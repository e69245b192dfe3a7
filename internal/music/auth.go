package music

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/zmb3/spotify/v2"
)

const redirectURI = "http://localhost:8080/callback"

// Authorize runs the one-time browser OAuth flow and returns the refresh
// token to store in configuration. It listens on localhost:8080 for the
// callback, matching the redirect URI registered with the application.
func Authorize(ctx context.Context, clientID, clientSecret string) (string, error) {
	auth := newAuthenticator(clientID, clientSecret)
	state, err := randomState()
	if err != nil {
		return "", err
	}

	type result struct {
		refreshToken string
		err          error
	}
	ch := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.Token(r.Context(), state, r)
		if err != nil {
			http.Error(w, "Couldn't get token", http.StatusForbidden)
			ch <- result{err: fmt.Errorf("exchanging code: %w", err)}
			return
		}
		if st := r.FormValue("state"); st != state {
			http.NotFound(w, r)
			ch <- result{err: fmt.Errorf("state mismatch: %s != %s", st, state)}
			return
		}

		// Sanity-check the token before handing it back.
		client := spotify.New(auth.Client(r.Context(), tok))
		if _, err := client.CurrentUser(r.Context()); err != nil {
			http.Error(w, "Token verification failed", http.StatusForbidden)
			ch <- result{err: fmt.Errorf("verifying token: %w", err)}
			return
		}

		fmt.Fprintf(w, "Login completed! You can now close this window.")
		ch <- result{refreshToken: tok.RefreshToken}
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go srv.ListenAndServe()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	url := auth.AuthURL(state)
	fmt.Println("Please log in to Spotify by visiting the following page in your browser:", url)
	openBrowser(url)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return res.refreshToken, nil
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// openBrowser makes a best-effort attempt to open the URL in the user's
// browser; the URL is printed anyway so failure is harmless.
func openBrowser(url string) {
	switch runtime.GOOS {
	case "darwin":
		exec.Command("open", url).Start()
	case "windows":
		exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		exec.Command("xdg-open", url).Start()
	}
}
