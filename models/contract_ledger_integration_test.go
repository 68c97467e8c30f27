package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/models"
	"github.com/triboka/agroledger_backend/utils"
)

// Full-stack coverage of the contract/fixation/metadata lifecycle against a
// real MySQL, including the concurrency invariant that the DB-free semantic
// tests can only approximate.
func TestContractLedger_FullLifecycle(t *testing.T) {
	ctx := setupIntegration(t)

	exporter, buyer, producer := seedCompanies(t, ctx)

	adminCtx := principalCtx(ctx, 1, models.UserRoleAdmin, 0)
	exporterCtx := principalCtx(ctx, 2, models.UserRoleExporter, exporter)
	buyerCtx := principalCtx(ctx, 3, models.UserRoleBuyer, buyer)
	producerCtx := principalCtx(ctx, 4, models.UserRoleProducer, producer)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	contract, err := models.CreateContract(exporterCtx, &models.NewExportContract{
		ContractCode:      "TRB-2025-001",
		ProducerCompanyId: producer,
		ExporterCompanyId: exporter,
		BuyerCompanyId:    buyer,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("100"),
		Differential:      decimal.RequireFromString("-150"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if contract.Status != models.ContractStatusDraft {
		t.Fatalf("new contracts must start draft, got %s", contract.Status)
	}

	// Duplicate codes are rejected via the unique index.
	if _, err := models.CreateContract(exporterCtx, &models.NewExportContract{
		ContractCode:      "TRB-2025-001",
		ExporterCompanyId: exporter,
		BuyerCompanyId:    buyer,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("50"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	}); err == nil {
		t.Fatalf("duplicate contract code must be rejected")
	}

	// Creating a contract enqueues its anchor request transactionally.
	anchors, err := models.GetAnchorRequests(models.AnchorReferenceTypeContract, contract.ID)
	if err != nil || len(anchors) != 1 {
		t.Fatalf("expected 1 anchor request after create, got %d (%v)", len(anchors), err)
	}
	if anchors[0].Status != models.AnchorStatusPending {
		t.Fatalf("fresh anchor request must be PENDING, got %s", anchors[0].Status)
	}

	// Fixation on a draft contract is rejected.
	if _, err := models.CreateFixation(buyerCtx, &models.NewContractFixation{
		ContractId: contract.ID,
		Quantity:   decimal.RequireFromString("10"),
		SpotPrice:  decimal.RequireFromString("2400"),
	}); err == nil {
		t.Fatalf("fixation must require an active contract")
	}

	// Invalid transition draft -> completed.
	if _, err := models.UpdateContractStatus(exporterCtx, contract.ID, models.ContractStatusCompleted); err == nil {
		t.Fatalf("draft -> completed must be rejected")
	} else {
		var transitionErr *utils.InvalidTransitionError
		if !errors.As(err, &transitionErr) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
	}

	if _, err := models.UpdateContractStatus(exporterCtx, contract.ID, models.ContractStatusActive); err != nil {
		t.Fatalf("draft -> active: %v", err)
	}

	// Active contracts are no longer editable.
	if _, err := models.UpdateContract(exporterCtx, contract.ID, &models.NewExportContract{
		ContractCode:      "TRB-2025-001",
		ExporterCompanyId: exporter,
		BuyerCompanyId:    buyer,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("500"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	}); err == nil {
		t.Fatalf("active contract must not be editable")
	}

	// Scenario: 60 fits, 50 exceeds (40 left), 40 exactly fills.
	if _, err := models.CreateFixation(buyerCtx, &models.NewContractFixation{
		ContractId: contract.ID,
		Quantity:   decimal.RequireFromString("60"),
		SpotPrice:  decimal.RequireFromString("2400"),
	}); err != nil {
		t.Fatalf("first fixation: %v", err)
	}
	_, err = models.CreateFixation(buyerCtx, &models.NewContractFixation{
		ContractId: contract.ID,
		Quantity:   decimal.RequireFromString("50"),
		SpotPrice:  decimal.RequireFromString("2450"),
	})
	var volumeErr *utils.InsufficientVolumeError
	if !errors.As(err, &volumeErr) {
		t.Fatalf("expected InsufficientVolumeError, got %v", err)
	}
	if !volumeErr.Available.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("rejection must report 40 MT available, got %s", volumeErr.Available)
	}
	lastFix, err := models.CreateFixation(buyerCtx, &models.NewContractFixation{
		ContractId: contract.ID,
		Quantity:   decimal.RequireFromString("40"),
		SpotPrice:  decimal.RequireFromString("2500"),
	})
	if err != nil {
		t.Fatalf("fixation of the exact remainder: %v", err)
	}
	// differential -150: 2500 - 150 = 2350
	if !lastFix.PricePerUnit.Equal(decimal.RequireFromString("2350")) {
		t.Fatalf("price per unit must include the differential, got %s", lastFix.PricePerUnit)
	}

	summary, err := models.GetContractFixationSummary(ctx, contract.ID)
	if err != nil {
		t.Fatalf("GetContractFixationSummary: %v", err)
	}
	if !summary.FixedVolume.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected 100 MT fixed, got %s", summary.FixedVolume)
	}
	if !summary.RemainingVolume.IsZero() {
		t.Fatalf("expected 0 MT remaining, got %s", summary.RemainingVolume)
	}
	// 60*2250 + 40*2350 = 135000 + 94000 = 229000; avg = 2290
	if !summary.WeightedAveragePrice.Equal(decimal.RequireFromString("2290")) {
		t.Fatalf("weighted average price: got %s, want 2290", summary.WeightedAveragePrice)
	}

	// The cached column agrees with the authoritative sum.
	view, err := models.GetContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	if !view.FixedVolume.Equal(summary.FixedVolume) {
		t.Fatalf("cached fixed volume %s disagrees with sum %s", view.FixedVolume, summary.FixedVolume)
	}

	// Deleting a contract with fixations is blocked for everyone.
	if _, err := models.DeleteContract(adminCtx, contract.ID); err == nil {
		t.Fatalf("contract with fixations must not be deletable")
	} else {
		var dependentsErr *utils.HasDependentsError
		if !errors.As(err, &dependentsErr) {
			// Draft-only guard fires first here; both are acceptable rejections.
			var validationErr *utils.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("unexpected delete error: %v", err)
			}
		}
	}

	runMetadataLifecycle(t, contract.ID, producerCtx, exporterCtx, buyerCtx, adminCtx)
}

func runMetadataLifecycle(t *testing.T, contractId int, producerCtx, exporterCtx, buyerCtx, adminCtx context.Context) {
	t.Helper()

	// Exporter cannot write producer fields.
	_, err := models.WriteMetadataFields(exporterCtx, contractId, []models.MetadataFieldUpdate{
		{Field: "harvest_date", Value: "2025-03-10"},
	})
	var permissionErr *utils.PermissionDeniedError
	if !errors.As(err, &permissionErr) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}

	if _, err := models.WriteMetadataFields(producerCtx, contractId, []models.MetadataFieldUpdate{
		{Field: "harvest_date", Value: "2025-03-10", Reason: "harvest completed"},
		{Field: "cultivation_method", Value: "organic"},
		{Field: "fermentation_type", Value: "cascade"},
		{Field: "drying_method", Value: "sun-dried"},
	}); err != nil {
		t.Fatalf("producer writes: %v", err)
	}

	// Idempotent write: same value leaves no new audit entry.
	before, _ := models.GetMetadataHistory(producerCtx, contractId, nil)
	if _, err := models.WriteMetadataFields(producerCtx, contractId, []models.MetadataFieldUpdate{
		{Field: "cultivation_method", Value: "organic"},
	}); err != nil {
		t.Fatalf("idempotent write: %v", err)
	}
	after, _ := models.GetMetadataHistory(producerCtx, contractId, nil)
	if len(after) != len(before) {
		t.Fatalf("unchanged write must not append audit entries: %d -> %d", len(before), len(after))
	}

	// Lock refuses while required fields are missing, naming them.
	_, err = models.LockMetadata(exporterCtx, contractId)
	var incompleteErr *utils.IncompleteMetadataError
	if !errors.As(err, &incompleteErr) {
		t.Fatalf("expected IncompleteMetadataError, got %v", err)
	}
	if len(incompleteErr.Missing) != 1 || incompleteErr.Missing[0] != "final_moisture_percentage" {
		t.Fatalf("expected final_moisture_percentage missing, got %v", incompleteErr.Missing)
	}

	if _, err := models.WriteMetadataFields(producerCtx, contractId, []models.MetadataFieldUpdate{
		{Field: "final_moisture_percentage", Value: "7.5", Verified: true},
	}); err != nil {
		t.Fatalf("moisture write: %v", err)
	}

	if _, err := models.LockMetadata(exporterCtx, contractId); err != nil {
		t.Fatalf("lock with complete record: %v", err)
	}

	// The lock is one-way: further writes fail for everyone, admin included.
	_, err = models.WriteMetadataFields(adminCtx, contractId, []models.MetadataFieldUpdate{
		{Field: "notes", Value: "post-lock edit"},
	})
	var lockedErr *utils.AlreadyLockedError
	if !errors.As(err, &lockedErr) {
		t.Fatalf("expected AlreadyLockedError even for admin, got %v", err)
	}
	if _, err := models.LockMetadata(adminCtx, contractId); err == nil {
		t.Fatalf("double lock must be rejected")
	}

	// History survives the lock, ordered and attributed.
	history, err := models.GetMetadataHistory(buyerCtx, contractId, nil)
	if err != nil {
		t.Fatalf("GetMetadataHistory: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID <= history[i-1].ID {
			t.Fatalf("history must be ordered ascending")
		}
	}
	last := history[len(history)-1]
	if last.Field != "final_moisture_percentage" || !last.Verified {
		t.Fatalf("verification flag must be preserved on the audit entry: %+v", last)
	}
}

// Concurrency: parallel fixations against MySQL never oversell the contract.
func TestContractLedger_ConcurrentFixationsNeverOversell(t *testing.T) {
	ctx := setupIntegration(t)

	exporter, buyer, producer := seedCompanies(t, ctx)
	exporterCtx := principalCtx(ctx, 2, models.UserRoleExporter, exporter)
	buyerCtx := principalCtx(ctx, 3, models.UserRoleBuyer, buyer)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	contract, err := models.CreateContract(exporterCtx, &models.NewExportContract{
		ContractCode:      "TRB-2025-CC1",
		ProducerCompanyId: producer,
		ExporterCompanyId: exporter,
		BuyerCompanyId:    buyer,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("100"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if _, err := models.UpdateContractStatus(exporterCtx, contract.ID, models.ContractStatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := models.CreateFixation(buyerCtx, &models.NewContractFixation{
				ContractId: contract.ID,
				Quantity:   decimal.RequireFromString("15"),
				SpotPrice:  decimal.RequireFromString("2400"),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 6 {
		t.Fatalf("expected exactly 6 successful fixations of 15 on 100, got %d", succeeded)
	}
	summary, err := models.GetContractFixationSummary(ctx, contract.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.FixedVolume.GreaterThan(contract.TotalVolume) {
		t.Fatalf("oversold: %s fixed on %s total", summary.FixedVolume, contract.TotalVolume)
	}
}

// Two concurrent valid transitions must serialize: exactly one commits and
// the other is rejected against the committed status, never the stale one it
// read. Without row-level serialization, active->completed and
// active->suspended can both pass the table check and compose into a
// suspended contract after completion.
func TestContractLedger_ConcurrentStatusTransitionsSerialize(t *testing.T) {
	ctx := setupIntegration(t)

	exporter, buyer, producer := seedCompanies(t, ctx)
	exporterCtx := principalCtx(ctx, 2, models.UserRoleExporter, exporter)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	contract, err := models.CreateContract(exporterCtx, &models.NewExportContract{
		ContractCode:      "TRB-2025-ST1",
		ProducerCompanyId: producer,
		ExporterCompanyId: exporter,
		BuyerCompanyId:    buyer,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("100"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if _, err := models.UpdateContractStatus(exporterCtx, contract.ID, models.ContractStatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, target := range []models.ContractStatus{models.ContractStatusCompleted, models.ContractStatusSuspended} {
		wg.Add(1)
		go func(target models.ContractStatus) {
			defer wg.Done()
			_, err := models.UpdateContractStatus(exporterCtx, contract.ID, target)
			results <- err
		}(target)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	var loserErr error
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			loserErr = err
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one of two conflicting transitions must commit, got %d", succeeded)
	}
	var transitionErr *utils.InvalidTransitionError
	if !errors.As(loserErr, &transitionErr) {
		t.Fatalf("loser must fail with InvalidTransitionError, got %v", loserErr)
	}

	view, err := models.GetContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	if string(view.Status) != transitionErr.From {
		t.Fatalf("loser was rejected against %q but the committed status is %q", transitionErr.From, view.Status)
	}
}

// Revocation tracks the anchor lifecycle: queued and failed anchors leave the
// fixation revocable (and are parked DEAD with the delete), while in-flight
// and confirmed anchors block it.
func TestContractLedger_RevocationTracksAnchorState(t *testing.T) {
	ctx := setupIntegration(t)

	exporter, buyer, producer := seedCompanies(t, ctx)
	exporterCtx := principalCtx(ctx, 2, models.UserRoleExporter, exporter)
	buyerCtx := principalCtx(ctx, 3, models.UserRoleBuyer, buyer)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	contract, err := models.CreateContract(exporterCtx, &models.NewExportContract{
		ContractCode:      "TRB-2025-RV1",
		ProducerCompanyId: producer,
		ExporterCompanyId: exporter,
		BuyerCompanyId:    buyer,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("100"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if _, err := models.UpdateContractStatus(exporterCtx, contract.ID, models.ContractStatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	newFixation := func() *models.ContractFixation {
		fix, err := models.CreateFixation(buyerCtx, &models.NewContractFixation{
			ContractId: contract.ID,
			Quantity:   decimal.RequireFromString("10"),
			SpotPrice:  decimal.RequireFromString("2400"),
		})
		if err != nil {
			t.Fatalf("CreateFixation: %v", err)
		}
		return fix
	}

	// A fixation whose anchor is still queued is revocable, and the queued
	// request must be parked DEAD so the dispatcher never anchors it.
	fix := newFixation()
	if _, err := models.DeleteFixation(buyerCtx, fix.ID); err != nil {
		t.Fatalf("queued anchor must leave the fixation revocable: %v", err)
	}
	anchors, err := models.GetAnchorRequests(models.AnchorReferenceTypeFixation, fix.ID)
	if err != nil || len(anchors) != 1 {
		t.Fatalf("expected 1 anchor request, got %d (%v)", len(anchors), err)
	}
	if anchors[0].Status != models.AnchorStatusDead {
		t.Fatalf("queued anchor of a revoked fixation must be DEAD, got %s", anchors[0].Status)
	}

	fix = newFixation()
	markAnchor := func(status string) {
		if err := config.GetDB().Model(&models.AnchorRequest{}).
			Where("reference_type = ? AND reference_id = ?", models.AnchorReferenceTypeFixation, fix.ID).
			Update("status", status).Error; err != nil {
			t.Fatalf("set anchor status %s: %v", status, err)
		}
	}

	// The transaction was sent and may confirm at any moment.
	markAnchor(models.AnchorStatusSubmitted)
	if _, err := models.DeleteFixation(buyerCtx, fix.ID); err == nil {
		t.Fatalf("fixation with an in-flight anchor must not be revocable")
	}
	markAnchor(models.AnchorStatusConfirmed)
	if _, err := models.DeleteFixation(buyerCtx, fix.ID); err == nil {
		t.Fatalf("fixation with a confirmed anchor must not be revocable")
	}

	// A failed attempt has no transaction in flight; revoke proceeds.
	markAnchor(models.AnchorStatusFailed)
	if _, err := models.DeleteFixation(buyerCtx, fix.ID); err != nil {
		t.Fatalf("failed anchor must leave the fixation revocable: %v", err)
	}
}

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "agroledger_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	return context.Background()
}

func principalCtx(ctx context.Context, userId int, role models.UserRole, companyId int) context.Context {
	ctx = utils.SetUserIdInContext(ctx, userId)
	ctx = utils.SetRoleInContext(ctx, string(role))
	ctx = utils.SetCompanyIdInContext(ctx, companyId)
	return ctx
}

func seedCompanies(t *testing.T, ctx context.Context) (exporterId, buyerId, producerId int) {
	t.Helper()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	exporter, err := models.CreateCompany(ctx, &models.NewCompany{Name: "Exporta " + suffix, CompanyType: "exporter"})
	if err != nil {
		t.Fatalf("create exporter: %v", err)
	}
	buyer, err := models.CreateCompany(ctx, &models.NewCompany{Name: "Buyer " + suffix, CompanyType: "buyer"})
	if err != nil {
		t.Fatalf("create buyer: %v", err)
	}
	producer, err := models.CreateCompany(ctx, &models.NewCompany{Name: "Finca " + suffix, CompanyType: "producer"})
	if err != nil {
		t.Fatalf("create producer: %v", err)
	}
	return exporter.ID, buyer.ID, producer.ID
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("agroledger-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=agroledger_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
