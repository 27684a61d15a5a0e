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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ScheduleClose asks for a close at ProcessAt. A zero ProcessAt means as soon as a worker is free.
type ScheduleClose struct {
	ProcessAt time.Time `json:"process_at"`
}

type ScheduledClose struct {
	TaskID     string    `json:"task_id"`
	MerchantID string    `json:"merchant_id"`
	Queue      string    `json:"queue"`
	ProcessAt  time.Time `json:"process_at"`
}

type RecoverAcknowledgements struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

type ExpectedDuration struct {
	MerchantID string  `json:"merchant_id,omitempty"`
	Seconds    float64 `json:"expected_duration_seconds"`
	Human      string  `json:"expected_duration"`
}

func NewExpectedDuration(merchantID string, d time.Duration) ExpectedDuration {
	return ExpectedDuration{MerchantID: merchantID, Seconds: d.Seconds(), Human: d.String()}
}

func (s *ScheduleClose) ValidateScheduleClose() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ProcessAt, validation.By(func(value interface{}) error {
			at, _ := value.(time.Time)
			if !at.IsZero() && at.After(time.Now().Add(31*24*time.Hour)) {
				return validation.NewError("validation_process_at", "cannot schedule a close more than 31 days ahead")
			}
			return nil
		})),
	)
}

func (r *RecoverAcknowledgements) ValidateRecoverAcknowledgements() error {
	if r.ThresholdSeconds == 0 {
		r.ThresholdSeconds = 300
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.ThresholdSeconds, validation.Min(60)),
	)
}
