package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triboka/agroledger_backend/models"
)

type metadataView struct {
	*models.AgriculturalMetadata
	SustainabilityScore *int `json:"sustainability_score"`
}

func getMetadataHandler(c *gin.Context) {
	contractId, ok := pathId(c)
	if !ok {
		return
	}
	meta, err := models.GetMetadata(c.Request.Context(), contractId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, metadataView{
		AgriculturalMetadata: meta,
		SustainabilityScore:  meta.SustainabilityScore(),
	})
}

type metadataWriteRequest struct {
	Updates []models.MetadataFieldUpdate `json:"updates"`
}

func writeMetadataHandler(c *gin.Context) {
	contractId, ok := pathId(c)
	if !ok {
		return
	}
	var req metadataWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if len(req.Updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "updates are required"})
		return
	}
	meta, err := models.WriteMetadataFields(c.Request.Context(), contractId, req.Updates)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, metadataView{
		AgriculturalMetadata: meta,
		SustainabilityScore:  meta.SustainabilityScore(),
	})
}

func lockMetadataHandler(c *gin.Context) {
	contractId, ok := pathId(c)
	if !ok {
		return
	}
	meta, err := models.LockMetadata(c.Request.Context(), contractId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func metadataHistoryHandler(c *gin.Context) {
	contractId, ok := pathId(c)
	if !ok {
		return
	}
	var field *string
	if v := c.Query("field"); v != "" {
		field = &v
	}
	entries, err := models.GetMetadataHistory(c.Request.Context(), contractId, field)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
