package dkim

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Check statuses
const (
	CheckOK       = "ok"
	CheckMismatch = "mismatch"
	CheckNotFound = "not_found"
	CheckInvalid  = "invalid"
	CheckError    = "error"
)

// TXTLookup resolves the TXT records of a name
type TXTLookup func(ctx context.Context, name string) ([]string, error)

// CheckResult is the outcome of comparing the published record with a signing key
type CheckResult struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Published string `json:"published,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Check looks up selector._domainkey.domain and verifies that it publishes
// the public half of key. A nil lookup uses the system resolver.
func Check(ctx context.Context, lookup TXTLookup, domain, selector string, key *rsa.PrivateKey) CheckResult {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupTXT
	}

	result := CheckResult{Name: RecordName(domain, selector)}

	records, err := lookup(ctx, result.Name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = CheckNotFound
			result.Message = fmt.Sprintf("no DKIM record for selector %q", selector)
			return result
		}
		result.Status = CheckError
		result.Message = fmt.Sprintf("lookup failed: %v", err)
		return result
	}

	// long keys are split across several strings
	published := strings.Join(records, "")
	result.Published = published

	tags := parseTags(published)
	if tags["v"] != "DKIM1" || tags["p"] == "" {
		result.Status = CheckInvalid
		result.Message = "TXT record is not a DKIM key record"
		return result
	}

	want, err := TXTRecord(key)
	if err != nil {
		result.Status = CheckError
		result.Message = err.Error()
		return result
	}
	if parseTags(want)["p"] != tags["p"] {
		result.Status = CheckMismatch
		result.Message = "published key does not match the signing key"
		return result
	}

	result.Status = CheckOK
	return result
}

// parseTags splits a "k=v; k=v" record. Whitespace inside values is dropped.
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(name)] = strings.Join(strings.Fields(value), "")
	}
	return tags
}
