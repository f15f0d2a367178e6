/*
mlist - Mailing list manager.
Copyright © 2019-2024 Max Mazurov <fox.cpp@disroot.org>, mlist contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dmarc looks up DMARC policies of sender domains.
//
// Lists resending a message under their own envelope break SPF alignment
// and, if the message is modified, the DKIM signature too. Domains
// publishing p=reject or p=quarantine get their mail refused by receivers
// in that case, so lists mitigate by munging From, wrapping the message
// or moderating it. This package only answers whether mitigation is
// needed.
package dmarc

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"github.com/foxcpp/mlist/framework/address"
	"golang.org/x/net/publicsuffix"
)

type (
	Record = dmarc.Record
	Policy = dmarc.Policy
)

const (
	PolicyNone       = dmarc.PolicyNone
	PolicyReject     = dmarc.PolicyReject
	PolicyQuarantine = dmarc.PolicyQuarantine
)

// Resolver is the subset of net.Resolver used for policy lookups.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

func fqdn(domain string) string {
	if strings.HasSuffix(domain, ".") {
		return domain
	}
	return domain + "."
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// FetchRecord looks up the DMARC record relevant for the RFC5322.From domain.
// It returns the record and the domain it was found with (may not be
// equal to the RFC5322.From domain). A nil record without an error means
// the domain publishes no usable policy.
func FetchRecord(ctx context.Context, r Resolver, fromDomain string) (policyDomain string, rec *Record, err error) {
	policyDomain = fromDomain

	txts, err := r.LookupTXT(ctx, fqdn("_dmarc."+fromDomain))
	if err != nil && !isNotFound(err) {
		return "", nil, err
	}
	if len(txts) == 0 {
		// No records or 'no such host', try orgDomain.
		orgDomain, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
		if err != nil {
			return "", nil, err
		}
		if strings.EqualFold(orgDomain, fromDomain) {
			return "", nil, nil
		}
		policyDomain = orgDomain

		txts, err = r.LookupTXT(ctx, fqdn("_dmarc."+orgDomain))
		if err != nil && !isNotFound(err) {
			return "", nil, err
		}
		if len(txts) == 0 {
			return "", nil, nil
		}
	}

	// Exclude records that are not DMARC policies.
	records := txts[:0]
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	// Multiple records => no record.
	if len(records) != 1 {
		return "", nil, nil
	}

	rec, err = dmarc.Parse(records[0])
	return policyDomain, rec, err
}

// EffectivePolicy returns the policy applying to mail from the domain:
// the subdomain policy if the record was found at the organizational
// domain and sets one, the main policy otherwise.
func EffectivePolicy(ctx context.Context, r Resolver, fromDomain string) (Policy, error) {
	policyDomain, rec, err := FetchRecord(ctx, r, fromDomain)
	if err != nil {
		return PolicyNone, err
	}
	if rec == nil {
		return PolicyNone, nil
	}
	if !strings.EqualFold(policyDomain, fromDomain) && rec.SubdomainPolicy != "" {
		return rec.SubdomainPolicy, nil
	}
	return rec.Policy, nil
}

// Prohibited reports whether the domain of addr publishes a policy that
// makes receivers refuse list mail carrying addr in From.
func Prohibited(ctx context.Context, r Resolver, addr string) (bool, error) {
	domain := address.Domain(addr)
	if domain == "" {
		return false, nil
	}
	policy, err := EffectivePolicy(ctx, r, strings.ToLower(domain))
	if err != nil {
		return false, err
	}
	return policy == PolicyReject || policy == PolicyQuarantine, nil
}
