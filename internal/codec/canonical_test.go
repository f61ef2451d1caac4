package codec

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type vector struct {
	Name     string      `json:"name"`
	Input    interface{} `json:"input"`
	Expected string      `json:"expected"`
}

func loadVectors(t *testing.T) []vector {
	t.Helper()
	data, err := os.ReadFile("testdata/vectors.json")
	require.NoError(t, err)
	var vectors []vector
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&vectors))
	return vectors
}

func TestCanonicalConformanceVectors(t *testing.T) {
	for _, v := range loadVectors(t) {
		v := v
		t.Run(v.Name, func(t *testing.T) {
			got, err := Canonical(v.Input)
			require.NoError(t, err)
			require.Equal(t, v.Expected, string(got))
		})
	}
}

func TestCanonicalIsIdempotentUnderRoundTrip(t *testing.T) {
	for _, v := range loadVectors(t) {
		first, err := Canonical(v.Input)
		require.NoError(t, err)

		var reparsed interface{}
		dec := json.NewDecoder(bytes.NewReader(first))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&reparsed))

		second, err := Canonical(reparsed)
		require.NoError(t, err)
		require.Equal(t, string(first), string(second))
	}
}

func TestCanonicalDropsNullOnlyAtObjectLevel(t *testing.T) {
	got, err := Canonical(map[string]interface{}{
		"keep": "x",
		"drop": nil,
		"list": []interface{}{nil, "a", nil},
	})
	require.NoError(t, err)
	require.Equal(t, `{"keep":"x","list":[null,"a",null]}`, string(got))
}

func TestCanonicalRejectsUnrepresentableValues(t *testing.T) {
	ch := make(chan int)
	_, err := Canonical(map[string]interface{}{"bad": ch})
	require.Error(t, err)
}

func TestSignableViewDropsExcludedFields(t *testing.T) {
	doc := struct {
		Subject   string `json:"subject"`
		Signature string `json:"signature"`
		Score     int    `json:"evidence_score"`
	}{
		Subject:   "ed25519:abc",
		Signature: "deadbeef",
		Score:     7,
	}

	m, err := SignableView(doc, "signature", "evidence_score")
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"subject": "ed25519:abc"}, m)

	encoded, err := Canonical(m)
	require.NoError(t, err)
	require.Equal(t, `{"subject":"ed25519:abc"}`, string(encoded))
}

func TestSignableViewOfIdenticalDocsProducesIdenticalBytes(t *testing.T) {
	type doc struct {
		Action    string   `json:"action"`
		Pubkey    string   `json:"pubkey"`
		Skills    []string `json:"skills"`
		Signature string   `json:"signature"`
	}

	a := doc{Action: "register_update", Pubkey: "ed25519:abc", Skills: []string{"go", "rust"}, Signature: "sig-a"}
	b := doc{Action: "register_update", Pubkey: "ed25519:abc", Skills: []string{"go", "rust"}, Signature: "sig-b"}

	viewA, err := SignableView(a, "signature")
	require.NoError(t, err)
	viewB, err := SignableView(b, "signature")
	require.NoError(t, err)

	bytesA, err := Canonical(viewA)
	require.NoError(t, err)
	bytesB, err := Canonical(viewB)
	require.NoError(t, err)

	require.Equal(t, string(bytesA), string(bytesB))
}
