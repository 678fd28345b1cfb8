package integration

import (
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/transport"
	"github.com/stacklok/pos-sync/internal/wire"
	"github.com/stacklok/pos-sync/test-integration/pos-sync/helpers"
)

var _ = Describe("Out-of-band batch transfer", Label("transfer", "http"), func() {
	var (
		masterDir    string
		masterHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		masterDir = createTempDir("pos-sync-transfer-")
		masterHelper = helpers.NewServerTestHelper(ctx, helpers.WriteMasterConfig(masterDir), helpers.FreePort())
		Expect(masterHelper.StartServer()).To(Succeed())
		masterHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(masterHelper.StopServer()).To(Succeed())
		cleanupTempDir(masterDir)
	})

	It("downloads a batch and acknowledges it", func() {
		now := time.Now()
		masterHelper.PutRow(helpers.TableInventories, "sku-1", map[string]any{"qty": 1}, now)
		masterHelper.PutRow(helpers.TableInventories, "sku-2", map[string]any{"qty": 2}, now)

		download, err := masterHelper.Client().Download(ctx, helpers.TableInventories, 0, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(download.Changes).To(HaveLen(1))
		Expect(download.HasMore).To(BeTrue())
		Expect(uuid.Validate(download.BatchID)).To(Succeed())

		ack, err := masterHelper.Client().Acknowledge(ctx, download.BatchID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.BatchID).To(Equal(download.BatchID))
		Expect(ack.Table).To(Equal(helpers.TableInventories))
		Expect(ack.Cursor).To(Equal(download.Cursor))
	})

	It("applies an uploaded batch exactly once", func() {
		req := &wire.UploadRequest{
			BatchID: uuid.NewString(),
			Table:   helpers.TableTransactions,
			Changes: []rows.RowChange{{
				Table:     helpers.TableTransactions,
				Key:       "txn-100",
				Payload:   map[string]any{"total": 12},
				UpdatedAt: time.Now(),
				Seq:       1,
				Origin:    rows.RoleSlave,
				Op:        rows.OpInsert,
			}},
		}

		first, err := masterHelper.Client().Upload(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Applied).To(Equal(1))
		Expect(first.Duplicate).To(BeFalse())
		Expect(masterHelper.GetRow(helpers.TableTransactions, "txn-100")).NotTo(BeNil())

		second, err := masterHelper.Client().Upload(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Duplicate).To(BeTrue())
		Expect(second.Applied).To(BeZero())
	})

	It("rejects a batch for an unknown table", func() {
		_, err := masterHelper.Client().Upload(ctx, &wire.UploadRequest{
			BatchID: uuid.NewString(),
			Table:   "loyalty",
		})
		Expect(err).To(HaveOccurred())
		Expect(transport.IsProtocol(err)).To(BeTrue())
	})

	It("rejects acknowledging an unknown batch", func() {
		_, err := masterHelper.Client().Acknowledge(ctx, uuid.NewString())
		Expect(err).To(HaveOccurred())
	})
})
