// Copyright 2025 The SpectreProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"net/http"
	"net/url"
)

// Strategy names one of the pluggable transports.
type Strategy string

const (
	StrategySocket        = Strategy("socket")
	StrategyFetch         = Strategy("fetch")
	StrategySocks5        = Strategy("socks5")
	StrategyThirdParty    = Strategy("thirdparty")
	StrategyCloudProvider = Strategy("cloudprovider")
	StrategyDoH           = Strategy("doh")
	StrategyDoT           = Strategy("dot")
)

// ParseStrategy validates a strategy name. The empty string maps to
// [StrategySocket].
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategySocket, StrategyFetch, StrategySocks5, StrategyThirdParty,
		StrategyCloudProvider, StrategyDoH, StrategyDoT:
		return s, nil
	case "":
		return StrategySocket, nil
	default:
		return "", fmt.Errorf("unknown proxy strategy %q", name)
	}
}

// Transport is one concrete implementation of the gateway's outbound
// capability. A transport writes the upstream's response to w, or returns an
// error if nothing has been written yet. Each inbound call instantiates its
// own transport; no state is shared across requests.
type Transport interface {
	// Connect performs the upstream exchange of r toward dstURL.
	Connect(w http.ResponseWriter, r *http.Request, dstURL *url.URL) error
	// HandleDNSQuery serves an RFC 8484 DNS query carried by r.
	HandleDNSQuery(w http.ResponseWriter, r *http.Request) error
}

// errNoDNS is the HandleDNSQuery implementation shared by all non-DNS
// transports.
type errNoDNS struct{}

func (errNoDNS) HandleDNSQuery(http.ResponseWriter, *http.Request) error {
	return &StatusError{Code: http.StatusNotImplemented, Message: "DNS queries are not supported by this strategy"}
}
