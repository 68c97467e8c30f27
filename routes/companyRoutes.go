package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triboka/agroledger_backend/models"
	"github.com/triboka/agroledger_backend/utils"
)

func createCompanyHandler(c *gin.Context) {
	var input models.NewCompany
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := validate.Struct(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return
	}
	company, err := models.CreateCompany(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, company)
}

func listCompaniesHandler(c *gin.Context) {
	var companyType *string
	if v := c.Query("type"); v != "" {
		companyType = &v
	}
	companies, err := models.GetCompanies(c.Request.Context(), companyType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, companies)
}

func getCompanyHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	company, err := models.GetCompany(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, company)
}
