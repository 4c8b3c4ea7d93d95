package qbsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Lifecycle regression suite for the sync engine against a real MySQL +
// Redis, in the same docker-backed shape as the rest of the integration
// tests.
//
// Usage: INTEGRATION_TESTS=1 go test ./qbsync -run SyncLifecycle -v

func TestSyncLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "qbsync_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()

	t.Run("CheckpointScopes", func(t *testing.T) {
		realm := "rlm-checkpoint"
		t0 := time.Now().Add(-72 * time.Hour).Truncate(time.Second).UTC()
		t1 := t0.Add(47 * time.Hour)

		seed := []models.QbSyncLog{
			{RealmId: realm, SyncType: models.SyncLogTypeCDC, Status: models.SyncLogStatusSuccess, EntityScope: models.SyncScopeAll, SyncStartedAt: t0},
			{RealmId: realm, SyncType: models.SyncLogTypeCDC, Status: models.SyncLogStatusSuccess, EntityScope: "customer", SyncStartedAt: t1},
			{RealmId: realm, SyncType: models.SyncLogTypeCDC, Status: models.SyncLogStatusFailed, EntityScope: models.SyncScopeAll, SyncStartedAt: t1.Add(time.Hour)},
		}
		for i := range seed {
			if err := db.Create(&seed[i]).Error; err != nil {
				t.Fatalf("seed log row: %v", err)
			}
		}

		// A sweep that only fetched customers must not move the window for
		// any other entity type.
		cp, err := models.GetCheckpoint(ctx, db, realm, "vendor")
		if err != nil {
			t.Fatalf("GetCheckpoint vendor: %v", err)
		}
		if cp == nil || !cp.Equal(t0) {
			t.Fatalf("vendor checkpoint = %v, want %v", cp, t0)
		}

		cp, err = models.GetCheckpoint(ctx, db, realm, "customer")
		if err != nil {
			t.Fatalf("GetCheckpoint customer: %v", err)
		}
		if cp == nil || !cp.Equal(t1) {
			t.Fatalf("customer checkpoint = %v, want %v", cp, t1)
		}

		// Failed rows never advance any scope.
		cp, err = models.GetCheckpoint(ctx, db, realm, models.SyncScopeAll)
		if err != nil {
			t.Fatalf("GetCheckpoint all: %v", err)
		}
		if cp == nil || !cp.Equal(t0) {
			t.Fatalf("full checkpoint = %v, want %v", cp, t0)
		}

		cp, err = models.GetCheckpoint(ctx, db, "rlm-unknown", models.SyncScopeAll)
		if err != nil {
			t.Fatalf("GetCheckpoint unknown realm: %v", err)
		}
		if cp != nil {
			t.Fatalf("unknown realm checkpoint = %v, want nil", cp)
		}
	})

	t.Run("IncrementalJobSingleSweep", func(t *testing.T) {
		realm := "rlm-incremental"
		seedCredential(t, db, realm)

		t0 := time.Now().Add(-48 * time.Hour).Truncate(time.Second).UTC()
		if err := db.Create(&models.QbSyncLog{
			RealmId:       realm,
			SyncType:      models.SyncLogTypeCDC,
			Status:        models.SyncLogStatusSuccess,
			EntityScope:   models.SyncScopeAll,
			SyncStartedAt: t0,
		}).Error; err != nil {
			t.Fatalf("seed checkpoint: %v", err)
		}

		var mu sync.Mutex
		cdcCalls := 0
		var changedSince string
		mux := http.NewServeMux()
		mux.HandleFunc("/v3/company/"+realm+"/cdc", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			cdcCalls++
			changedSince = r.URL.Query().Get("changedSince")
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"CDCResponse":[{"QueryResponse":[{"Customer":[{"Id":"301","SyncToken":"0","DisplayName":"Acme Rentals","Balance":120.5}],"startPosition":1,"maxResults":1}]}]}`))
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		t.Setenv("QB_API_BASE_URL", srv.URL)

		s := newTestScheduler()
		job, err := s.CreateSyncJob(ctx, db, StartSyncRequest{RealmId: realm, SyncType: models.SyncTypeIncremental})
		if err != nil {
			t.Fatalf("CreateSyncJob: %v", err)
		}

		var children []models.SyncEntityJob
		if err := db.Where("sync_job_id = ?", job.ID).Find(&children).Error; err != nil {
			t.Fatalf("load children: %v", err)
		}
		if len(children) != 1 || children[0].EntityType != models.EntityJobTypeCDC {
			t.Fatalf("incremental job children = %+v, want a single %q unit", children, models.EntityJobTypeCDC)
		}

		resp := s.ProcessPending(ctx, db)
		if len(resp.Errors) > 0 {
			t.Fatalf("ProcessPending errors: %v", resp.Errors)
		}
		if resp.Processed != 1 {
			t.Fatalf("Processed = %d, want 1", resp.Processed)
		}

		mu.Lock()
		gotCalls, gotSince := cdcCalls, changedSince
		mu.Unlock()
		if gotCalls != 1 {
			t.Fatalf("cdc endpoint hit %d times, want exactly 1 batched fetch", gotCalls)
		}
		if gotSince != t0.Format(time.RFC3339) {
			t.Fatalf("changedSince = %q, want checkpoint %q", gotSince, t0.Format(time.RFC3339))
		}

		var logs []models.QbSyncLog
		if err := db.Where("realm_id = ? AND status = ?", realm, models.SyncLogStatusSuccess).Find(&logs).Error; err != nil {
			t.Fatalf("load sync logs: %v", err)
		}
		if len(logs) != 2 {
			t.Fatalf("success log rows = %d, want seed + exactly one new row", len(logs))
		}
		for _, row := range logs {
			if row.EntityScope != models.SyncScopeAll {
				t.Fatalf("log row scope = %q, want %q", row.EntityScope, models.SyncScopeAll)
			}
		}

		cp, err := models.GetCheckpoint(ctx, db, realm, models.SyncScopeAll)
		if err != nil {
			t.Fatalf("GetCheckpoint: %v", err)
		}
		if cp == nil || !cp.After(t0) {
			t.Fatalf("checkpoint = %v, want later than %v", cp, t0)
		}

		var parent models.SyncJob
		if err := db.Where("id = ?", job.ID).Take(&parent).Error; err != nil {
			t.Fatalf("reload parent: %v", err)
		}
		if parent.Status != models.SyncJobStatusCompleted {
			t.Fatalf("parent status = %q, want completed", parent.Status)
		}
		if parent.TotalEntities != 1 || parent.CompletedEntities != 1 {
			t.Fatalf("parent entity counts = %d/%d, want 1/1", parent.CompletedEntities, parent.TotalEntities)
		}

		var customer models.QbCustomer
		if err := db.Where("realm_id = ? AND qb_id = ?", realm, "301").Take(&customer).Error; err != nil {
			t.Fatalf("upserted customer missing: %v", err)
		}
	})

	t.Run("ZeroChangeSweepAdvancesCheckpoint", func(t *testing.T) {
		realm := "rlm-zerochange"
		seedCredential(t, db, realm)

		mux := http.NewServeMux()
		mux.HandleFunc("/v3/company/"+realm+"/cdc", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"CDCResponse":[]}`))
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		t.Setenv("QB_API_BASE_URL", srv.URL)

		logger := logrus.New()
		tokens := NewTokenManager(TokenConfigFromEnv())
		client := NewClient(ClientConfigFromEnv(), tokens)
		cdcSyncer := NewCDCSyncer(client, logger)

		result, err := cdcSyncer.Run(ctx, db, realm, nil)
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
		if result.Stats.TotalChanges() != 0 {
			t.Fatalf("TotalChanges = %d, want 0", result.Stats.TotalChanges())
		}
		first, err := models.GetCheckpoint(ctx, db, realm, models.SyncScopeAll)
		if err != nil {
			t.Fatalf("GetCheckpoint after first run: %v", err)
		}
		if first == nil {
			t.Fatal("zero-change run must still advance the checkpoint")
		}

		if _, err := cdcSyncer.Run(ctx, db, realm, nil); err != nil {
			t.Fatalf("second run: %v", err)
		}
		second, err := models.GetCheckpoint(ctx, db, realm, models.SyncScopeAll)
		if err != nil {
			t.Fatalf("GetCheckpoint after second run: %v", err)
		}
		if second == nil || second.Before(*first) {
			t.Fatalf("checkpoint went backwards: %v -> %v", first, second)
		}
	})

	t.Run("ClaimIsExclusive", func(t *testing.T) {
		realm := "rlm-claim"
		now := time.Now()
		parent := models.SyncJob{
			RealmId:       realm,
			Status:        models.SyncJobStatusRunning,
			SyncType:      models.SyncTypeFull,
			TotalEntities: 6,
			StartedAt:     &now,
		}
		if err := db.Create(&parent).Error; err != nil {
			t.Fatalf("create parent: %v", err)
		}
		entityTypes := []string{"customer", "vendor", "account", "invoice", "payment", "bill"}
		for _, entityType := range entityTypes {
			child := models.SyncEntityJob{
				SyncJobId:  parent.ID,
				RealmId:    realm,
				EntityType: entityType,
				Status:     models.EntityJobStatusPending,
			}
			if err := db.Create(&child).Error; err != nil {
				t.Fatalf("create child: %v", err)
			}
		}

		s := newTestScheduler()
		var mu sync.Mutex
		claimed := map[uint]int{}
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					entityJob, err := s.claimNext(ctx, db)
					if err != nil {
						t.Errorf("claimNext: %v", err)
						return
					}
					if entityJob == nil {
						return
					}
					mu.Lock()
					claimed[entityJob.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != len(entityTypes) {
			t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), len(entityTypes))
		}
		for id, count := range claimed {
			if count != 1 {
				t.Fatalf("entity job %d claimed %d times", id, count)
			}
		}
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		realm := "rlm-upsert"
		first := json.RawMessage(`{"Id":"501","SyncToken":"0","DocNumber":"INV-501","TotalAmt":100.0,"Balance":100.0,"CustomerRef":{"value":"9"}}`)

		row, err := PrepareEntity(first, models.EntityTypeInvoice, realm)
		if err != nil {
			t.Fatalf("PrepareEntity: %v", err)
		}
		created, err := upsertEntityRow(ctx, db, models.EntityTypeInvoice, row)
		if err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		if !created {
			t.Fatal("first upsert should create the row")
		}

		var stored models.QbInvoice
		if err := db.Where("realm_id = ? AND qb_id = ?", realm, "501").Take(&stored).Error; err != nil {
			t.Fatalf("load invoice: %v", err)
		}
		recId := uint(9001)
		if err := db.Model(&stored).Update("reconciliation_id", recId).Error; err != nil {
			t.Fatalf("link invoice: %v", err)
		}

		second := json.RawMessage(`{"Id":"501","SyncToken":"1","DocNumber":"INV-501","TotalAmt":120.0,"Balance":80.0,"CustomerRef":{"value":"9"}}`)
		row, err = PrepareEntity(second, models.EntityTypeInvoice, realm)
		if err != nil {
			t.Fatalf("PrepareEntity second: %v", err)
		}
		created, err = upsertEntityRow(ctx, db, models.EntityTypeInvoice, row)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if created {
			t.Fatal("second upsert must update in place, not create")
		}

		var count int64
		if err := db.Model(&models.QbInvoice{}).Where("realm_id = ? AND qb_id = ?", realm, "501").Count(&count).Error; err != nil {
			t.Fatalf("count invoices: %v", err)
		}
		if count != 1 {
			t.Fatalf("invoice rows = %d, want 1", count)
		}

		var reloaded models.QbInvoice
		if err := db.Where("realm_id = ? AND qb_id = ?", realm, "501").Take(&reloaded).Error; err != nil {
			t.Fatalf("reload invoice: %v", err)
		}
		if reloaded.ID != stored.ID {
			t.Fatalf("surrogate id changed: %d -> %d", stored.ID, reloaded.ID)
		}
		if !reloaded.TotalAmt.Equal(row.(*models.QbInvoice).TotalAmt) {
			t.Fatalf("TotalAmt = %s, want 120", reloaded.TotalAmt)
		}
		if reloaded.ReconciliationId == nil || *reloaded.ReconciliationId != recId {
			t.Fatalf("reconciliation link lost on re-apply: %v", reloaded.ReconciliationId)
		}
	})

	t.Run("CancelOutlivesFinalize", func(t *testing.T) {
		realm := "rlm-cancel"
		now := time.Now()
		parent := models.SyncJob{
			RealmId:       realm,
			Status:        models.SyncJobStatusRunning,
			SyncType:      models.SyncTypeFull,
			TotalEntities: 1,
			StartedAt:     &now,
		}
		if err := db.Create(&parent).Error; err != nil {
			t.Fatalf("create parent: %v", err)
		}
		child := models.SyncEntityJob{
			SyncJobId:  parent.ID,
			RealmId:    realm,
			EntityType: "customer",
			Status:     models.EntityJobStatusCompleted,
		}
		if err := db.Create(&child).Error; err != nil {
			t.Fatalf("create child: %v", err)
		}

		// Snapshot the parent as a worker would, then let a cancel land
		// before the worker finalizes.
		var stale models.SyncJob
		if err := db.Where("id = ?", parent.ID).Take(&stale).Error; err != nil {
			t.Fatalf("snapshot parent: %v", err)
		}

		s := newTestScheduler()
		if _, err := s.CancelJob(ctx, db, parent.ID); err != nil {
			t.Fatalf("CancelJob: %v", err)
		}
		if err := s.finalizeParent(ctx, db, &stale); err != nil {
			t.Fatalf("finalizeParent: %v", err)
		}

		var reloaded models.SyncJob
		if err := db.Where("id = ?", parent.ID).Take(&reloaded).Error; err != nil {
			t.Fatalf("reload parent: %v", err)
		}
		if reloaded.Status != models.SyncJobStatusCancelled {
			t.Fatalf("status = %q, cancellation must survive a late finalize", reloaded.Status)
		}

		var completedEvents int64
		if err := db.Model(&models.SyncProgressEvent{}).
			Where("sync_job_id = ? AND event_type = ?", parent.ID, models.ProgressEventJobCompleted).
			Count(&completedEvents).Error; err != nil {
			t.Fatalf("count events: %v", err)
		}
		if completedEvents != 0 {
			t.Fatalf("found %d job_completed events for a cancelled job", completedEvents)
		}
	})
}

func newTestScheduler() *Scheduler {
	logger := logrus.New()
	tokens := NewTokenManager(TokenConfigFromEnv())
	client := NewClient(ClientConfigFromEnv(), tokens)
	importer := NewImporter(client, logger, 50)
	cdcSyncer := NewCDCSyncer(client, logger)
	return NewScheduler(importer, cdcSyncer, tokens, logger, time.Minute)
}

func seedCredential(t *testing.T, db *gorm.DB, realm string) {
	t.Helper()
	accessExpiry := time.Now().Add(time.Hour)
	refreshExpiry := time.Now().Add(90 * 24 * time.Hour)
	cred := models.QbCredential{
		RealmId:               realm,
		AccessToken:           "test-access-token",
		RefreshToken:          "test-refresh-token",
		AccessTokenExpiresAt:  &accessExpiry,
		RefreshTokenExpiresAt: &refreshExpiry,
		IsActive:              true,
	}
	if err := db.Create(&cred).Error; err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("qbsync-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("qbsync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=qbsync_test",
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
