// Copyright 2025 Lumina Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package domain

// Lifecycle identifies whether an instance or a bid targets the spot or
// on-demand market.
type Lifecycle string

const (
	Spot     Lifecycle = "spot"
	OnDemand Lifecycle = "on-demand"
)

// Bid is the agent's desired lifecycle for a group together with the price
// cap that applies when the lifecycle is Spot. Price is meaningful only
// when Type == Spot; it carries the empty string otherwise.
//
// Bid is a sum type in spirit (Spot{price} | OnDemand) but is represented as
// a tagged struct rather than an interface so that it stays a plain,
// comparable value usable as a map key and safe to copy across goroutines.
type Bid struct {
	Type  Lifecycle
	Price string
}

// NewOnDemandBid returns the canonical empty-price on-demand bid.
func NewOnDemandBid() Bid {
	return Bid{Type: OnDemand, Price: ""}
}

// NewSpotBid returns a spot bid capped at price.
func NewSpotBid(price string) Bid {
	return Bid{Type: Spot, Price: price}
}

// BidsEqual implements the external equality contract: two bids are equal
// iff their types match and, if spot, their prices match exactly as
// strings. On-demand bids are always equal to each other regardless of
// their (normally empty) price field.
func BidsEqual(a, b Bid) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Type == Spot {
		return a.Price == b.Price
	}
	return true
}
