package trust

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	tu "github.com/vyrodovalexey/avamtls/internal/testutil"
)

func TestNewClientIdentity(t *testing.T) {
	t.Parallel()

	root := tu.NewCA(t, "Root")
	leaf := root.Client(t, "alice", tu.WithSerial(0xBEEF), tu.WithOrganization("Acme"))

	id := NewClientIdentity(leaf.Cert, nil)

	assert.Equal(t, "alice", id.CommonName)
	assert.Equal(t, "CN=alice,O=Acme", id.SubjectDN)
	assert.Equal(t, root.Cert.Subject.String(), id.IssuerDN)
	assert.Equal(t, "BEEF", id.SerialNumber)
	assert.Len(t, id.Fingerprint, 64)
	assert.Equal(t, Fingerprint(leaf.Cert), id.Fingerprint)
	assert.Equal(t, []string{"alice.clients.test"}, id.DNSNames)
	assert.True(t, id.ValidAt(time.Now()))
	assert.False(t, id.ValidAt(leaf.Cert.NotAfter.Add(time.Second)))
}

func TestFormatSerial(t *testing.T) {
	t.Parallel()

	root := tu.NewCA(t, "Root")
	cert := root.Client(t, "x").Cert

	cert.SerialNumber = big.NewInt(255)
	assert.Equal(t, "FF", FormatSerial(cert))

	cert.SerialNumber = nil
	assert.Empty(t, FormatSerial(cert))
}
