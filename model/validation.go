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

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// currencies whose minor unit is not two digits
var minorUnitExceptions = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
}

// MinorUnits returns the number of decimal places used by currency.
func MinorUnits(currency string) int32 {
	if units, ok := minorUnitExceptions[strings.ToUpper(currency)]; ok {
		return units
	}
	return 2
}

func amountPrecision(currency string) validation.RuleFunc {
	return func(value interface{}) error {
		amount, ok := value.(decimal.Decimal)
		if !ok {
			return errors.New("amount must be a decimal")
		}
		if amount.IsZero() {
			return errors.New("amount must not be zero")
		}
		units := MinorUnits(currency)
		if !amount.Equal(amount.Truncate(units)) {
			return fmt.Errorf("amount has more precision than the %d minor units of %s", units, currency)
		}
		return nil
	}
}

// ValidateMerchantID checks a merchant id before any collaborator is called.
func ValidateMerchantID(merchantID string) error {
	return validation.Validate(merchantID,
		validation.Required.Error("merchant id is required"),
		validation.Length(1, 128),
	)
}

// Validate checks the entry is safe to send to treasury.
func (e *LedgerEntry) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ID, validation.Required),
		validation.Field(&e.Currency, validation.Required, validation.Match(currencyCode).Error("must be an ISO 4217 code")),
		validation.Field(&e.Amount, validation.By(amountPrecision(e.Currency))),
	)
}
