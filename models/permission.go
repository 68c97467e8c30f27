package models

import (
	"context"
	"errors"

	"github.com/triboka/agroledger_backend/utils"
)

// Principal is the authenticated actor attempting an operation. The identity
// layer puts it on the context; the models layer only authorizes.
type Principal struct {
	UserId    int
	Role      UserRole
	CompanyId int
}

func PrincipalFromContext(ctx context.Context) (Principal, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return Principal{}, errors.New("user id is required")
	}
	role, ok := utils.GetRoleFromContext(ctx)
	if !ok || role == "" {
		return Principal{}, errors.New("role is required")
	}
	companyId, _ := utils.GetCompanyIdFromContext(ctx)
	return Principal{UserId: userId, Role: UserRole(role), CompanyId: companyId}, nil
}

// CanAct is a pure capability check: administrative/broker roles pass every
// check, everyone else must belong to one of the companies associated with
// the entity for that action. On denial the missing capability is named for
// diagnostics only; callers never branch on it.
func CanAct(p Principal, action string, ownerCompanyIds ...int) (bool, string) {
	if p.Role.IsAdministrative() {
		return true, ""
	}
	for _, id := range ownerCompanyIds {
		if id != 0 && id == p.CompanyId {
			return true, ""
		}
	}
	return false, action
}

// CanWriteMetadataField gates field-group writes on the provenance record:
// the producer company writes harvest/cultivation fields, the exporter that
// purchased the lot writes reception/storage/dispatch fields, the buyer
// writes final-reception fields. Universal fields only require membership in
// one of the three counterparties.
func CanWriteMetadataField(p Principal, group MetadataFieldGroup, producerCompanyId, exporterCompanyId, buyerCompanyId int) (bool, string) {
	if p.Role.IsAdministrative() {
		return true, ""
	}
	switch group {
	case FieldGroupProducer:
		if p.CompanyId != 0 && p.CompanyId == producerCompanyId {
			return true, ""
		}
		return false, "metadata:write:" + string(group)
	case FieldGroupExporter:
		if p.CompanyId != 0 && p.CompanyId == exporterCompanyId {
			return true, ""
		}
		return false, "metadata:write:" + string(group)
	case FieldGroupBuyer:
		if p.CompanyId != 0 && p.CompanyId == buyerCompanyId {
			return true, ""
		}
		return false, "metadata:write:" + string(group)
	default:
		ok, missing := CanAct(p, "metadata:write", producerCompanyId, exporterCompanyId, buyerCompanyId)
		return ok, missing
	}
}
