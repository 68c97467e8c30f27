package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/triboka/agroledger_backend/models"
	"github.com/triboka/agroledger_backend/utils"
)

func createFixationHandler(c *gin.Context) {
	contractId, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewContractFixation
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	input.ContractId = contractId
	if err := validate.Struct(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	fixation, err := models.CreateFixation(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fixation)
}

func fixationSummaryHandler(c *gin.Context) {
	contractId, ok := pathId(c)
	if !ok {
		return
	}
	summary, err := models.GetContractFixationSummary(c.Request.Context(), contractId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func deleteFixationHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	fixation, err := models.DeleteFixation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": fixation.ID, "contract_id": fixation.ContractId})
}
