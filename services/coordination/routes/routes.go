// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SingularityHQ/centralcloud/services/coordination/consensus"
	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/handlers"
	"github.com/SingularityHQ/centralcloud/services/coordination/patterns"
)

// SetupRoutes wires the coordination plane's HTTP surface onto a router.
// metricsHandler serves the Prometheus scrape endpoint; nil disables it.
func SetupRoutes(router *gin.Engine, g *guardian.Guardian, e *consensus.Engine,
	a *patterns.Aggregator, metricsHandler http.Handler) {

	router.GET("/health", handlers.HealthCheck)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1")
	{
		changes := v1.Group("/changes")
		{
			changes.POST("", handlers.RegisterChange(g))
			changes.POST("/:id/metrics", handlers.ReportMetrics(g))
			changes.GET("/:id/approval", handlers.GetApproval(g))
			changes.POST("/:id/rollback", handlers.TriggerRollback(g))
		}
		proposals := v1.Group("/proposals")
		{
			proposals.POST("", handlers.CreateProposal(e))
			proposals.POST("/:id/votes", handlers.CastVote(e))
			proposals.POST("/:id/execute", handlers.ExecuteProposal(e))
		}
		patternRoutes := v1.Group("/patterns")
		{
			patternRoutes.GET("/consensus", handlers.ConsensusPatterns(a))
			patternRoutes.POST("/suggest", handlers.SuggestPatterns(a))
			patternRoutes.POST("/aggregate", handlers.AggregatePatterns(a))
		}
	}
}
