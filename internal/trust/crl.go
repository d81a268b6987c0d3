package trust

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

const pemTypeCRL = "X509 CRL"

// revocationSet indexes the revoked serials of every loaded CRL by issuer.
type revocationSet struct {
	revoked    map[string]map[string]time.Time
	nextUpdate time.Time
}

// parseRevocationLists parses PEM (or a single DER) CRLs and checks that each
// one is signed by an anchor.
func parseRevocationLists(data []byte, anchors []*TrustAnchor) (*revocationSet, error) {
	ders := decodeCRLBlocks(data)
	if len(ders) == 0 {
		return nil, errors.New("no CRL found")
	}

	set := &revocationSet{revoked: make(map[string]map[string]time.Time)}

	for i, der := range ders {
		list, err := x509.ParseRevocationList(der)
		if err != nil {
			return nil, fmt.Errorf("CRL %d: %w", i, err)
		}

		if err := checkCRLSignature(list, anchors); err != nil {
			return nil, fmt.Errorf("CRL %d: %w", i, err)
		}

		serials, ok := set.revoked[string(list.RawIssuer)]
		if !ok {
			serials = make(map[string]time.Time, len(list.RevokedCertificateEntries))
			set.revoked[string(list.RawIssuer)] = serials
		}
		for _, entry := range list.RevokedCertificateEntries {
			serials[entry.SerialNumber.String()] = entry.RevocationTime
		}

		if set.nextUpdate.IsZero() || (!list.NextUpdate.IsZero() && list.NextUpdate.Before(set.nextUpdate)) {
			set.nextUpdate = list.NextUpdate
		}
	}

	return set, nil
}

func decodeCRLBlocks(data []byte) [][]byte {
	var ders [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == pemTypeCRL {
			ders = append(ders, block.Bytes)
		}
	}
	if len(ders) == 0 && len(data) > 0 && data[0] == 0x30 {
		ders = append(ders, data)
	}
	return ders
}

func checkCRLSignature(list *x509.RevocationList, anchors []*TrustAnchor) error {
	var lastErr error
	for _, a := range anchors {
		if string(a.Certificate.RawSubject) != string(list.RawIssuer) {
			continue
		}
		if err := list.CheckSignatureFrom(a.Certificate); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("CRL signature invalid: %w", lastErr)
	}
	return errors.New("CRL is not issued by a trust anchor")
}

// isRevoked reports whether cert is listed by a CRL from its issuer.
func (r *revocationSet) isRevoked(cert *x509.Certificate) bool {
	if r == nil || cert.SerialNumber == nil {
		return false
	}
	serials, ok := r.revoked[string(cert.RawIssuer)]
	if !ok {
		return false
	}
	_, revoked := serials[cert.SerialNumber.String()]
	return revoked
}

// stale reports whether the earliest NextUpdate has passed.
func (r *revocationSet) stale(now time.Time) bool {
	return r != nil && !r.nextUpdate.IsZero() && now.After(r.nextUpdate)
}
