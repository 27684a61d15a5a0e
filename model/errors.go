/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import "errors"

// Errors returned by ledger sources, treasury gateways and marker stores.
// Implementations wrap them so callers can match with errors.Is.
var (
	ErrUnknownMerchant   = errors.New("merchant is not known to the ledger")
	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrAlreadySettled    = errors.New("ledger entry already settled")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRailUnavailable   = errors.New("payment rail unavailable")
	ErrMarkerNotFound    = errors.New("settlement marker not found")
	ErrMarkerNotOwned    = errors.New("settlement marker is held by another run")
)
