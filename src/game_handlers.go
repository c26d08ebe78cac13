package main

import (
	"gbs/src/config"
	"gbs/src/db"
	"gbs/src/lib"
	"gbs/src/models"
	"gbs/src/types"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Read-only surface over the local cache tables. Listings never consult the
// slot service; the cache sync consumers keep them warm.
func gameHandlers(g *gin.RouterGroup) *gin.RouterGroup {
	g.
		GET("/games", func(ctx *gin.Context) {
			conn := db.GetDb()
			var games []models.GameCache
			if err := conn.
				Model(&models.GameCache{}).
				Order("name ASC").
				Limit(100).
				Find(&games).
				Error; err != nil {
				ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": games, "count": len(games)})
		}).
		GET("/games/:id", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			var game models.GameCache
			if lib.GetGameSnapshot(ctx, params.ID, &game) {
				ctx.JSON(http.StatusOK, gin.H{"data": game})
				return
			}
			conn := db.GetDb()
			if err := conn.
				Where(&models.GameCache{ID: params.ID}).
				First(&game).
				Error; err != nil {
				ctx.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
				return
			}
			lib.CacheGameSnapshot(ctx, game.ID, &game)
			ctx.JSON(http.StatusOK, gin.H{"data": game})
		}).
		GET("/games/:id/slots", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			var query types.ListSlotsQuery
			if err := ctx.ShouldBindQuery(&query); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			conn := db.GetDb()
			qb := conn.
				Model(&models.GameTimeSlotCache{}).
				Where(&models.GameTimeSlotCache{GameID: params.ID})
			if query.Date != "" {
				if day, err := time.Parse(config.DATE_FORMAT, query.Date); err == nil {
					qb = qb.Where("slot_date = ?", day)
				}
			}
			var slots []models.GameTimeSlotCache
			if err := qb.
				Order("slot_date ASC, start_time ASC").
				Limit(200).
				Find(&slots).
				Error; err != nil {
				ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": slots, "count": len(slots)})
		})
	return g
}
