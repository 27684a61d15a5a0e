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

package api

import (
	"net/http"
	"time"

	"github.com/blnkfinance/settlement/api/model"
	"github.com/blnkfinance/settlement/internal/apierror"
	"github.com/gin-gonic/gin"
)

func abortWithError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

// ClosePeriod runs a close for the merchant and returns its PeriodClosure. Entries that failed
// are part of a successful response.
func (a Api) ClosePeriod(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	closure, err := a.coordinator.ClosePeriod(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, closure)
}

func (a Api) ScheduleClosePeriod(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	if a.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduling is not configured"})
		return
	}

	var req model.ScheduleClose
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}
	if err := req.ValidateScheduleClose(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	info, err := a.scheduler.EnqueueClosePeriod(c.Request.Context(), id, req.ProcessAt)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, model.ScheduledClose{
		TaskID:     info.ID,
		MerchantID: id,
		Queue:      info.Queue,
		ProcessAt:  info.NextProcessAt,
	})
}

func (a Api) GetMarker(c *gin.Context) {
	id := c.Param("id")
	entryID := c.Param("entry_id")

	marker, err := a.coordinator.Marker(c.Request.Context(), id, entryID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, marker)
}

func (a Api) GetExpectedDuration(c *gin.Context) {
	c.JSON(http.StatusOK, model.NewExpectedDuration("", a.coordinator.ExpectedDuration()))
}

func (a Api) GetMerchantExpectedDuration(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, model.NewExpectedDuration(id, a.coordinator.ExpectedDurationFor(id)))
}

// RecoverAcknowledgements re-drives ledger acknowledgements for settled entries whose run stopped early.
func (a Api) RecoverAcknowledgements(c *gin.Context) {
	var req model.RecoverAcknowledgements
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}
	if err := req.ValidateRecoverAcknowledgements(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	result, err := a.coordinator.RecoverAcknowledgements(c.Request.Context(), time.Duration(req.ThresholdSeconds)*time.Second)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}
