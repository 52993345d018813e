package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/credential"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPresence(t *testing.T) {
	root := NewRootCommand()
	paths := [][]string{
		{"serve"},
		{"scheduler"},
		{"task", "run"},
		{"task", "list"},
		{"ledger", "verify"},
		{"ledger", "auction"},
		{"admin", "hash-token"},
	}
	for _, path := range paths {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			cmd, _, err := root.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], cmd.Name())
		})
	}

	apiOnly := mustFind(t, root, "serve").Flags().Lookup("api-only")
	require.NotNil(t, apiOnly)
	assert.Equal(t, "false", apiOnly.DefValue)
}

func TestRejectsUnknownFormat(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"admin", "hash-token", "x", "--format", "yaml"})
	root.SetOut(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHashTokenFromStdin(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetArgs([]string{"admin", "hash-token"})
	root.SetIn(strings.NewReader("s3cret-token\n"))
	root.SetOut(&out)

	require.NoError(t, root.Execute())
	hash := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.True(t, credential.Verify("s3cret-token", hash))
}

func TestHashTokenJSON(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetArgs([]string{"admin", "hash-token", "abc", "--format", "json"})
	root.SetOut(&out)

	require.NoError(t, root.Execute())
	var resp struct {
		Status string            `json:"status"`
		Data   map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, credential.Verify("abc", resp.Data["admin_api_token_hash"]))
}

func TestHashTokenRejectsEmpty(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"admin", "hash-token"})
	root.SetIn(strings.NewReader(""))
	root.SetOut(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

type fakeRunner struct {
	result scheduler.Result
	err    error
}

func (f fakeRunner) RunTask(context.Context, string) (scheduler.Result, error) {
	return f.result, f.err
}

func TestRunTask(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var out bytes.Buffer
		err := runTask(context.Background(), fakeRunner{result: scheduler.Result{Processed: 4}}, "reconcile", printer{format: "text", out: &out})
		require.NoError(t, err)
		assert.Contains(t, out.String(), "processed: 4")
	})

	t.Run("unknown task", func(t *testing.T) {
		err := runTask(context.Background(), fakeRunner{err: fmt.Errorf("%w: nope", scheduler.ErrUnknownTask)}, "nope", printer{format: "text", out: &bytes.Buffer{}})
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("partial failure still prints", func(t *testing.T) {
		var out bytes.Buffer
		runner := fakeRunner{result: scheduler.Result{Processed: 2, Failed: 1}, err: errors.New("donation 7: ledger unavailable")}
		err := runTask(context.Background(), runner, "reconcile", printer{format: "json", out: &out})
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp struct {
			Status string           `json:"status"`
			Data   scheduler.Result `json:"data"`
			Error  string           `json:"error"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
		assert.Equal(t, "partial", resp.Status)
		assert.Equal(t, 1, resp.Data.Failed)
		assert.Contains(t, resp.Error, "ledger unavailable")
	})
}

type stubLedger struct {
	chain.Ledger

	verification chain.Verification
	snapshot     chain.AuctionSnapshot
	err          error
}

func (s stubLedger) VerifyTransaction(context.Context, string) (chain.Verification, error) {
	return s.verification, s.err
}

func (s stubLedger) GetAuction(context.Context, string) (chain.AuctionSnapshot, error) {
	return s.snapshot, s.err
}

func TestVerifyTx(t *testing.T) {
	mined := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	ledger := stubLedger{verification: chain.Verification{Success: true, BlockNumber: 812, Timestamp: mined}}

	var out bytes.Buffer
	require.NoError(t, verifyTx(context.Background(), ledger, " 0xabc ", printer{format: "json", out: &out}))

	var resp struct {
		Data txVerification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "0xabc", resp.Data.TxHash)
	assert.True(t, resp.Data.Success)
	assert.Equal(t, uint64(812), resp.Data.BlockNumber)
	require.NotNil(t, resp.Data.Timestamp)
	assert.True(t, mined.Equal(*resp.Data.Timestamp))

	err := verifyTx(context.Background(), stubLedger{err: chain.Unavailable(chain.OpVerifyTransaction, errors.New("eof"))}, "0x1", printer{format: "text", out: &bytes.Buffer{}})
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestShowAuction(t *testing.T) {
	ledger := stubLedger{snapshot: chain.AuctionSnapshot{
		Seller:      "0xseller",
		StartingBid: big.NewInt(100),
		Active:      true,
		ItemName:    "Signed jersey",
	}}

	var out bytes.Buffer
	require.NoError(t, showAuction(context.Background(), ledger, "17", printer{format: "text", out: &out}))
	text := out.String()
	assert.Contains(t, text, "auction:     17")
	assert.Contains(t, text, "bids:        0 (start 100)")
	assert.Contains(t, text, "active:      true")
	assert.NotContains(t, text, "leader:")
}

func mustFind(t *testing.T, root *cobra.Command, path ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := root.Find(path)
	require.NoError(t, err)
	return cmd
}
