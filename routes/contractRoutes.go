package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/triboka/agroledger_backend/models"
	"github.com/triboka/agroledger_backend/utils"
)

var validate = validator.New()

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func createContractHandler(c *gin.Context) {
	var input models.NewExportContract
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := validate.Struct(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	contract, err := models.CreateContract(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

func listContractsHandler(c *gin.Context) {
	var status *string
	if v := c.Query("status"); v != "" {
		status = &v
	}
	var companyId *int
	if v := c.Query("company_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid company_id"})
			return
		}
		companyId = &n
	}
	contracts, err := models.GetContracts(c.Request.Context(), status, companyId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contracts)
}

func getContractHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	contract, err := models.GetContract(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func updateContractHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewExportContract
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := validate.Struct(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	contract, err := models.UpdateContract(c.Request.Context(), id, &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type statusChangeRequest struct {
	Status models.ContractStatus `json:"status"`
}

func updateContractStatusHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	contract, err := models.UpdateContractStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func deleteContractHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	contract, err := models.DeleteContract(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": contract.ID})
}

func listAnchorRequestsHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	requests, err := models.GetAnchorRequests(models.AnchorReferenceTypeContract, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, requests)
}
