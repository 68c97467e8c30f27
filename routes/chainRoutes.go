package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triboka/agroledger_backend/chain"
)

// chainStatusHandler surfaces the pipeline mode so operators can see at a
// glance whether anchors are going to the real network or the simulator.
func chainStatusHandler(pipeline *chain.TransactionPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		mode := chain.ModeSimulation
		if pipeline != nil {
			mode = pipeline.Mode()
		}
		c.JSON(http.StatusOK, gin.H{
			"mode":      string(mode),
			"connected": mode == chain.ModeLive,
		})
	}
}
