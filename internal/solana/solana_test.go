package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCompactU16(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, appendCompactU16(nil, tc.n), "n=%d", tc.n)
	}
}

func TestBuildMemoTransaction(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	var recent Hash
	for i := range recent {
		recent[i] = byte(i)
	}
	memo := []byte("hash:abc;cid:bafy")

	tx, err := BuildMemoTransaction(kp, recent, memo)
	require.NoError(t, err)

	msg := tx.Message
	assert.Equal(t, []byte{1, 0, 1}, msg[:3], "header")
	assert.Equal(t, byte(2), msg[3], "account key count")
	payer := kp.PublicKey()
	assert.Equal(t, payer[:], msg[4:36])
	program, err := ParsePublicKey(MemoProgramID)
	require.NoError(t, err)
	assert.Equal(t, program[:], msg[36:68])
	assert.Equal(t, recent[:], msg[68:100])

	ix := msg[100:]
	assert.Equal(t, byte(1), ix[0], "instruction count")
	assert.Equal(t, byte(1), ix[1], "program id index")
	assert.Equal(t, byte(0), ix[2], "account index count")
	assert.Equal(t, byte(len(memo)), ix[3])
	assert.Equal(t, memo, ix[4:])

	assert.True(t, ed25519.Verify(ed25519.PublicKey(payer[:]), msg, tx.Signature))

	wire := tx.Serialize()
	assert.Equal(t, byte(1), wire[0])
	assert.Equal(t, tx.Signature, wire[1:65])
	assert.Equal(t, msg, wire[65:])
	assert.NotEmpty(t, tx.ID())
}

func TestBuildMemoTransaction_EmptyMemo(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	_, err = BuildMemoTransaction(kp, Hash{}, nil)
	assert.Error(t, err)
}

func TestKeypair_SaveLoad(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "id.json")
	require.NoError(t, kp.Save(path))

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), loaded.PublicKey())

	msg := []byte("payload")
	assert.Equal(t, kp.Sign(msg), loaded.Sign(msg))
}

func TestParsePublicKey_RoundTrip(t *testing.T) {
	pk, err := ParsePublicKey(MemoProgramID)
	require.NoError(t, err)
	assert.Equal(t, MemoProgramID, pk.String())

	_, err = ParsePublicKey("3yZe7d")
	assert.Error(t, err)
}

// fakeNode answers JSON-RPC calls from a method table.
func fakeNode(t *testing.T, handlers map[string]func(params []json.RawMessage) (any, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h, ok := handlers[req.Method]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": RPCError{Code: -32601, Message: "Method not found"},
			})
			return
		}
		result, rpcErr := h(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestClient_BalanceAndBlockhash(t *testing.T) {
	var recent Hash
	recent[0] = 9
	srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"getBalance": func(params []json.RawMessage) (any, *RPCError) {
			return map[string]any{"context": map[string]any{"slot": 1}, "value": 5000}, nil
		},
		"getLatestBlockhash": func(params []json.RawMessage) (any, *RPCError) {
			return map[string]any{"value": map[string]any{"blockhash": recent.String(), "lastValidBlockHeight": 10}}, nil
		},
	})
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	bal, err := c.GetBalance(context.Background(), kp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), bal)

	got, err := c.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recent, got)
}

func TestClient_RPCError(t *testing.T) {
	srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"requestAirdrop": func([]json.RawMessage) (any, *RPCError) {
			return nil, &RPCError{Code: -32600, Message: "airdrop disabled"}
		},
	})
	defer srv.Close()

	kp, err := GenerateKeypair()
	require.NoError(t, err)
	_, err = NewClient(Config{URL: srv.URL}).RequestAirdrop(context.Background(), kp.PublicKey(), 1)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32600, rpcErr.Code)
}

func TestClient_SendAndConfirm(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	tx, err := BuildMemoTransaction(kp, Hash{1}, []byte("hash:x;cid:y"))
	require.NoError(t, err)

	var polls atomic.Int32
	srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"sendTransaction": func(params []json.RawMessage) (any, *RPCError) {
			var encoded string
			_ = json.Unmarshal(params[0], &encoded)
			wire, err := base64.StdEncoding.DecodeString(encoded)
			assert.NoError(t, err)
			assert.Equal(t, tx.Serialize(), wire)
			return tx.ID(), nil
		},
		"getSignatureStatuses": func([]json.RawMessage) (any, *RPCError) {
			if polls.Add(1) < 3 {
				return map[string]any{"value": []any{nil}}, nil
			}
			return map[string]any{"value": []any{map[string]any{"slot": 7, "err": nil, "confirmationStatus": "confirmed"}}}, nil
		},
	})
	defer srv.Close()

	sig, err := NewClient(Config{URL: srv.URL}).SendAndConfirm(context.Background(), tx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), sig)
	assert.Equal(t, int32(3), polls.Load())
}

func TestClient_SendAndConfirmTimeout(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	tx, err := BuildMemoTransaction(kp, Hash{1}, []byte("m"))
	require.NoError(t, err)

	var sends atomic.Int32
	srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"sendTransaction": func([]json.RawMessage) (any, *RPCError) {
			sends.Add(1)
			return tx.ID(), nil
		},
		"getSignatureStatuses": func([]json.RawMessage) (any, *RPCError) {
			return map[string]any{"value": []any{nil}}, nil
		},
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sig, err := NewClient(Config{URL: srv.URL}).SendAndConfirm(ctx, tx, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmationTimeout))
	assert.Equal(t, tx.ID(), sig)
	assert.Equal(t, int32(1), sends.Load(), "must not resubmit")
}

func TestClient_SendAndConfirmFailedTransaction(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	tx, err := BuildMemoTransaction(kp, Hash{1}, []byte("m"))
	require.NoError(t, err)

	srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
		"sendTransaction": func([]json.RawMessage) (any, *RPCError) { return tx.ID(), nil },
		"getSignatureStatuses": func([]json.RawMessage) (any, *RPCError) {
			return map[string]any{"value": []any{map[string]any{"err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "processed"}}}, nil
		},
	})
	defer srv.Close()

	_, err = NewClient(Config{URL: srv.URL}).SendAndConfirm(context.Background(), tx, time.Millisecond)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfirmationTimeout))
}

func TestClient_SendAndConfirmSendOutcome(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	tx, err := BuildMemoTransaction(kp, Hash{1}, []byte("m"))
	require.NoError(t, err)

	t.Run("no reply", func(t *testing.T) {
		srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
			"sendTransaction": func([]json.RawMessage) (any, *RPCError) {
				time.Sleep(300 * time.Millisecond)
				return tx.ID(), nil
			},
		})
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		sig, err := NewClient(Config{URL: srv.URL}).SendAndConfirm(ctx, tx, time.Millisecond)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSendOutcomeUnknown), "got %v", err)
		assert.False(t, errors.Is(err, ErrConfirmationTimeout))
		assert.Equal(t, tx.ID(), sig)
	})

	t.Run("node rejected", func(t *testing.T) {
		srv := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError){
			"sendTransaction": func([]json.RawMessage) (any, *RPCError) {
				return nil, &RPCError{Code: -32002, Message: "Transaction simulation failed"}
			},
		})
		defer srv.Close()

		sig, err := NewClient(Config{URL: srv.URL}).SendAndConfirm(context.Background(), tx, time.Millisecond)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrSendOutcomeUnknown), "got %v", err)
		assert.Empty(t, sig)
	})
}
