package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproveClaim_Success(t *testing.T) {
	var gotIdempotencyKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/escrow/approve", r.URL.Path)
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claim-1", req.ClaimID)
		assert.InDelta(t, 1000.0, req.Amount, 1e-9)

		_ = json.NewEncoder(w).Encode(Result{TxRef: "0xdeadbeef"})
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL, 5*time.Second)
	result, err := client.ApproveClaim(context.Background(), Request{
		ClaimID: "claim-1", Amount: 1000, Recipient: "0xclaimant",
	})

	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", result.TxRef)
	assert.Equal(t, "claim-1", gotIdempotencyKey)
}

func TestApproveClaim_TypedFailures(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"insufficient_escrow", ErrInsufficientEscrow},
		{"already_settled", ErrAlreadySettled},
		{"invalid_recipient", ErrInvalidRecipient},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]string{"code": tc.code, "message": "nope"})
			}))
			defer ts.Close()

			client := NewHTTPClient(ts.URL, 5*time.Second)
			_, err := client.ApproveClaim(context.Background(), Request{ClaimID: "claim-2"})

			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestApproveClaim_UnknownFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL, 5*time.Second)
	_, err := client.ApproveClaim(context.Background(), Request{ClaimID: "claim-3"})

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientEscrow)
}

func TestApproveClaim_EmptyTxRef(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{})
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL, 5*time.Second)
	_, err := client.ApproveClaim(context.Background(), Request{ClaimID: "claim-4"})

	assert.Error(t, err)
}
