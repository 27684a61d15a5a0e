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
	"context"
	"net/http"
	"time"

	"github.com/blnkfinance/settlement"
	"github.com/blnkfinance/settlement/api/middleware"
	"github.com/blnkfinance/settlement/config"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Scheduler queues closes to run on the workers.
type Scheduler interface {
	EnqueueClosePeriod(ctx context.Context, merchantID string, processAt time.Time) (*asynq.TaskInfo, error)
}

type Api struct {
	coordinator *settlement.Coordinator
	scheduler   Scheduler
	router      *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/merchants/:id/close-period", a.ClosePeriod)
	router.POST("/merchants/:id/close-period/schedule", a.ScheduleClosePeriod)
	router.GET("/merchants/:id/markers/:entry_id", a.GetMarker)
	router.GET("/merchants/:id/expected-duration", a.GetMerchantExpectedDuration)

	router.GET("/expected-duration", a.GetExpectedDuration)
	router.POST("/recover", a.RecoverAcknowledgements)

	return a.router
}

// NewAPI builds the HTTP surface of the coordinator. scheduler may be nil, in which case
// scheduled closes are refused.
func NewAPI(c *settlement.Coordinator, scheduler Scheduler) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}

	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	return &Api{coordinator: c, scheduler: scheduler, router: r}
}
