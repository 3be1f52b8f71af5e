package events

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alt-research/8004-solana-indexer/internal/ledger"
)

func logLine(t *testing.T, payload string) string {
	t.Helper()
	return "Program data: " + base64.StdEncoding.EncodeToString([]byte(payload))
}

func TestLogDecoderDecodesInOrder(t *testing.T) {
	asset := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	collection := solana.NewWallet().PublicKey()

	tx := &ledger.Transaction{
		LogMessages: []string{
			"Program 8oo4REG1 invoke [1]",
			logLine(t, fmt.Sprintf(
				`{"event":"AgentRegistered","data":{"asset":"%s","owner":"%s","collection":"%s","agent_uri":"https://a.example.com/card.json","atom_enabled":true}}`,
				asset, owner, collection)),
			"Program log: registered",
			logLine(t, fmt.Sprintf(
				`{"event":"AtomEnabled","data":{"asset":"%s"}}`, asset)),
			"Program 8oo4REG1 success",
		},
	}

	got, err := NewLogDecoder().DecodeTransaction(tx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	reg, ok := got[0].(AgentRegistered)
	require.True(t, ok, "first event is %T", got[0])
	assert.Equal(t, asset, reg.Asset)
	assert.Equal(t, owner, reg.Owner)
	assert.True(t, reg.AtomEnabled)
	assert.Nil(t, reg.AgentWallet, "absent wallet decoded as present")
	assert.IsType(t, AtomEnabled{}, got[1])
}

func TestLogDecoderFeedbackValues(t *testing.T) {
	asset := solana.NewWallet().PublicKey()
	client := solana.NewWallet().PublicKey()
	digest := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tx := &ledger.Transaction{
		LogMessages: []string{
			logLine(t, fmt.Sprintf(
				`{"event":"NewFeedback","data":{"asset":"%s","client":"%s","feedback_index":3,"value":"123456789012345678901234567890","value_decimals":18,"score":87,"tag1":"latency","running_digest":"%s","trust_score":91,"quality_score":88}}`,
				asset, client, digest)),
		},
	}

	got, err := NewLogDecoder().DecodeTransaction(tx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	fb, ok := got[0].(NewFeedback)
	require.True(t, ok, "event is %T", got[0])
	assert.Equal(t, "123456789012345678901234567890", fb.Value.String())
	assert.Equal(t, uint8(18), fb.ValueDecimals)
	assert.Equal(t, uint8(87), fb.Score)
	assert.Equal(t, uint64(3), fb.FeedbackIndex)
	require.NotNil(t, fb.Atom)
	assert.Equal(t, int64(91), fb.Atom.TrustScore)
}

func TestLogDecoderSkipsForeignAndUnknown(t *testing.T) {
	tx := &ledger.Transaction{
		LogMessages: []string{
			"Program data: !!!not-base64!!!",
			"Program data: " + base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}),
			logLine(t, `{"event":"SomethingFromV2","data":{}}`),
			"Program log: hello",
		},
	}
	got, err := NewLogDecoder().DecodeTransaction(tx)
	require.NoError(t, err)
	assert.Empty(t, got, "noise lines must not produce events")
}

func TestLogDecoderRejectsCorruptEnvelope(t *testing.T) {
	tx := &ledger.Transaction{
		LogMessages: []string{
			logLine(t, `{"event":"AtomEnabled","data":{"asset":"this-is-not-base58!"}}`),
		},
	}
	_, err := NewLogDecoder().DecodeTransaction(tx)
	require.Error(t, err, "corrupt pubkey in a known event must fail the transaction")
}
