package common

import (
	"context"
	"encoding/json"
	"gbs/src/lib"
	"gbs/src/types"
	"gbs/src/utils"
	"log"

	"github.com/tidwall/gjson"
)

// StartCacheSyncConsumer keeps the local read cache warm from the slot
// service's push-sync events.
func StartCacheSyncConsumer() {
	topics := []string{
		types.TOPIC_GAME_SYNC,
		types.TOPIC_GAME_SLOT_SYNC,
	}
	startConsumer("gbs-cache", topics, HandleCacheSyncEvent)
}

func HandleCacheSyncEvent(topic string, value []byte) {
	if !gjson.ValidBytes(value) {
		log.Printf("[cache] Received invalid json on %s. Aborting\n", topic)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(value, &payload); err != nil {
		log.Printf("[cache] Error deserializing %s payload: %s\n", topic, err.Error())
		return
	}
	switch topic {
	case types.TOPIC_GAME_SYNC:
		if err := utils.UpsertSlotSnapshot(map[string]any{"game": payload}); err != nil {
			log.Printf("[cache] Error syncing game: %s\n", err.Error())
			return
		}
		gameId := uint(gjson.GetBytes(value, "id").Uint())
		if gameId != 0 {
			lib.InvalidateGameSnapshot(context.Background(), gameId)
		}
	case types.TOPIC_GAME_SLOT_SYNC:
		if err := utils.UpsertSlotSnapshot(map[string]any{"slot": payload}); err != nil {
			log.Printf("[cache] Error syncing game time slot: %s\n", err.Error())
		}
	default:
		log.Printf("[cache] No handler for topic %s\n", topic)
	}
}
