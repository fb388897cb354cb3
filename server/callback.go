package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

const missingCodeMessage = "Missing ?code - did you refresh this page, open it directly, or click Deny?"

// callbackResult is what a successful callback hands to the result page.
type callbackResult struct {
	Tokens TokenSet
	Claims VerifiedClaims
}

// completeCallback runs the authorization response through state validation,
// code exchange and token verification. Any failure is a *CallbackError.
func (a *App) completeCallback(ctx context.Context, q url.Values) (*callbackResult, error) {
	if e := q.Get("error"); e != "" {
		msg := "OIDC error: " + e
		if desc := q.Get("error_description"); desc != "" {
			msg += " - " + desc
		}
		return nil, &CallbackError{Kind: KindProviderDenied, Message: msg}
	}

	code := q.Get("code")
	if code == "" {
		return nil, &CallbackError{Kind: KindMissingCode, Message: missingCodeMessage}
	}

	state := q.Get("state")
	if state == "" {
		return nil, &CallbackError{Kind: KindStateMismatch, Message: "State mismatch/expired"}
	}
	ok, err := a.States.Consume(ctx, state)
	if err != nil {
		return nil, &CallbackError{Kind: KindStateStoreFailed, Message: "State store unavailable, please retry login", Err: err}
	}
	if !ok {
		return nil, &CallbackError{Kind: KindStateMismatch, Message: "State mismatch/expired"}
	}

	start := time.Now()
	tokens, err := a.Provider.Exchange(ctx, code)
	if a.Metrics != nil {
		a.Metrics.observeExchange(time.Since(start))
	}
	if err != nil {
		return nil, &CallbackError{Kind: KindExchangeFailed, Message: "Token exchange failed:\n" + err.Error(), Err: err}
	}

	claims, err := a.Provider.Verify(ctx, tokens.IDToken)
	if err != nil {
		return nil, &CallbackError{Kind: KindVerificationFailed, Message: "ID token verification failed:\n" + err.Error(), Err: err}
	}

	return &callbackResult{Tokens: tokens, Claims: claims}, nil
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	res, err := a.completeCallback(r.Context(), r.URL.Query())
	if err != nil {
		var cbErr *CallbackError
		if !errors.As(err, &cbErr) {
			cbErr = &CallbackError{Kind: KindVerificationFailed, Message: http.StatusText(http.StatusInternalServerError), Err: err}
		}
		attrs := []any{"request_id", reqID, "stage", string(cbErr.Kind), "status", cbErr.Status()}
		if cbErr.Err != nil {
			attrs = append(attrs, "error", cbErr.Err)
		}
		if cbErr.Status() >= http.StatusInternalServerError {
			a.Logger.Error("callback failed", attrs...)
		} else {
			a.Logger.Warn("callback rejected", attrs...)
		}
		if a.Metrics != nil {
			a.Metrics.callbackFinished(string(cbErr.Kind))
		}
		writeText(w, cbErr.Status(), cbErr.Message)
		return
	}

	a.Logger.Info("callback succeeded", "request_id", reqID, "sub", res.Claims.Subject, "groups", res.Claims.Groups())
	if a.Metrics != nil {
		a.Metrics.callbackFinished(outcomeSuccess)
	}
	renderHTML(w, a.Logger, resultTemplate, resultView{
		ProviderName: a.Config.Provider.DisplayName,
		Subject:      res.Claims.Subject,
		Groups:       res.Claims.Groups(),
		TokensJSON:   ClaimsToJSON(res.Tokens.Response()),
		ClaimsJSON:   ClaimsToJSON(res.Claims.Raw),
	})
}
