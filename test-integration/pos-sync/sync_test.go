package integration

import (
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/pos-sync/internal/rows"
	"github.com/stacklok/pos-sync/internal/status"
	"github.com/stacklok/pos-sync/test-integration/pos-sync/helpers"
)

var _ = Describe("Master/slave synchronization", Label("sync", "http"), func() {
	var (
		masterDir    string
		slaveDir     string
		masterHelper *helpers.ServerTestHelper
		slaveHelper  *helpers.ServerTestHelper
	)

	startPair := func(batchSize int) {
		masterDir = createTempDir("pos-sync-master-")
		slaveDir = createTempDir("pos-sync-slave-")

		masterPort := helpers.FreePort()
		masterHelper = helpers.NewServerTestHelper(ctx, helpers.WriteMasterConfig(masterDir), masterPort)
		Expect(masterHelper.StartServer()).To(Succeed())
		masterHelper.WaitForServerReady(10 * time.Second)

		slaveConfig := helpers.WriteSlaveConfig(slaveDir, masterHelper.GetBaseURL(), batchSize)
		slaveHelper = helpers.NewServerTestHelper(ctx, slaveConfig, helpers.FreePort())
		Expect(slaveHelper.StartServer()).To(Succeed())
		slaveHelper.WaitForServerReady(10 * time.Second)
	}

	AfterEach(func() {
		if slaveHelper != nil {
			Expect(slaveHelper.StopServer()).To(Succeed())
		}
		if masterHelper != nil {
			Expect(masterHelper.StopServer()).To(Succeed())
		}
		cleanupTempDir(slaveDir)
		cleanupTempDir(masterDir)
	})

	Context("with an empty slave", func() {
		BeforeEach(func() {
			startPair(2)
		})

		It("pulls every master row in batches", func() {
			now := time.Now()
			for _, key := range []string{"sku-1", "sku-2", "sku-3", "sku-4", "sku-5"} {
				masterHelper.PutRow(helpers.TableInventories, key, map[string]any{"qty": 10}, now)
			}

			result, code := slaveHelper.RunCycle()
			Expect(code).To(Equal(http.StatusOK))
			Expect(result.Success()).To(BeTrue())
			Expect(result.Pull.PerTable[helpers.TableInventories].Rows).To(Equal(5))

			for _, key := range []string{"sku-1", "sku-2", "sku-3", "sku-4", "sku-5"} {
				row := slaveHelper.GetRow(helpers.TableInventories, key)
				Expect(row).NotTo(BeNil(), "row %s should be replicated", key)
				Expect(row.Origin).To(Equal(rows.RoleMaster))
			}

			st := slaveHelper.Status()
			Expect(st.OverallHealthy).To(BeTrue())
			Expect(st.Cycles).To(BeEquivalentTo(1))
			inventories := st.Table(helpers.TableInventories)
			Expect(inventories).NotTo(BeNil())
			Expect(inventories.Pull.Cursor).To(BeEquivalentTo(5))
			Expect(inventories.Phase).To(Equal(status.TablePhaseIdle))
		})

		It("pushes slave transactions to the master", func() {
			slaveHelper.PutRow(helpers.TableTransactions, "txn-1", map[string]any{"total": 42.5}, time.Now())

			result, code := slaveHelper.RunCycle()
			Expect(code).To(Equal(http.StatusOK))
			Expect(result.Success()).To(BeTrue())
			Expect(result.Push.PerTable[helpers.TableTransactions].Applied).To(Equal(1))

			row := masterHelper.GetRow(helpers.TableTransactions, "txn-1")
			Expect(row).NotTo(BeNil())
			Expect(row.Origin).To(Equal(rows.RoleSlave))
			Expect(row.Payload).To(HaveKeyWithValue("total", 42.5))
		})

		It("leaves watermarks unchanged on a repeated cycle", func() {
			masterHelper.PutRow(helpers.TableCustomers, "c-1", map[string]any{"name": "Ada"}, time.Now())

			_, code := slaveHelper.RunCycle()
			Expect(code).To(Equal(http.StatusOK))
			before := slaveHelper.Status().Table(helpers.TableCustomers)

			result, code := slaveHelper.RunCycle()
			Expect(code).To(Equal(http.StatusOK))
			Expect(result.Success()).To(BeTrue())
			after := slaveHelper.Status().Table(helpers.TableCustomers)
			Expect(after.Pull.Cursor).To(Equal(before.Pull.Cursor))
			Expect(after.Push.Cursor).To(Equal(before.Push.Cursor))
		})
	})

	Context("with conflicting writes", func() {
		BeforeEach(func() {
			startPair(100)
		})

		It("keeps the master version of an inventory row", func() {
			base := time.Now().Add(-time.Minute)
			masterHelper.PutRow(helpers.TableInventories, "sku-9", map[string]any{"qty": 3}, base)
			slaveHelper.PutRow(helpers.TableInventories, "sku-9", map[string]any{"qty": 99}, base.Add(30*time.Second))

			result, _ := slaveHelper.RunCycle()
			Expect(result.Success()).To(BeTrue())

			Expect(slaveHelper.GetRow(helpers.TableInventories, "sku-9").Payload).To(HaveKeyWithValue("qty", BeNumerically("==", 3)))
			Expect(masterHelper.GetRow(helpers.TableInventories, "sku-9").Payload).To(HaveKeyWithValue("qty", BeNumerically("==", 3)))
		})

		It("keeps the slave version of a transaction row", func() {
			base := time.Now().Add(-time.Minute)
			masterHelper.PutRow(helpers.TableTransactions, "txn-7", map[string]any{"total": 1}, base.Add(30*time.Second))
			slaveHelper.PutRow(helpers.TableTransactions, "txn-7", map[string]any{"total": 2}, base)

			result, _ := slaveHelper.RunCycle()
			Expect(result.Success()).To(BeTrue())

			Expect(slaveHelper.GetRow(helpers.TableTransactions, "txn-7").Payload).To(HaveKeyWithValue("total", BeNumerically("==", 2)))
			Expect(masterHelper.GetRow(helpers.TableTransactions, "txn-7").Payload).To(HaveKeyWithValue("total", BeNumerically("==", 2)))
		})
	})

	Context("full resync", func() {
		BeforeEach(func() {
			startPair(100)
		})

		It("rebuilds the slave from the master", func() {
			masterHelper.PutRow(helpers.TableCustomers, "c-1", map[string]any{"name": "Grace"}, time.Now())

			resp, err := slaveHelper.Client().FullSync(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Success).To(BeTrue())

			Expect(slaveHelper.GetRow(helpers.TableCustomers, "c-1")).NotTo(BeNil())
			st := slaveHelper.Status()
			Expect(st.Recovery.LastRecoveryAt).NotTo(BeNil())
			Expect(st.Recovery.Corrupted).To(BeFalse())
		})

		It("is refused by a master", func() {
			_, err := masterHelper.Client().FullSync(ctx)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Unreachable master", Label("sync", "failure"), func() {
	var (
		slaveDir    string
		slaveHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		slaveDir = createTempDir("pos-sync-orphan-")
		// Nothing listens on this port
		deadMaster := fmt.Sprintf("http://127.0.0.1:%d", helpers.FreePort())
		slaveHelper = helpers.NewServerTestHelper(ctx, helpers.WriteSlaveConfig(slaveDir, deadMaster, 100), helpers.FreePort())
		Expect(slaveHelper.StartServer()).To(Succeed())
		slaveHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(slaveHelper.StopServer()).To(Succeed())
		cleanupTempDir(slaveDir)
	})

	It("records failures and keeps serving", func() {
		result, code := slaveHelper.RunCycle()
		Expect(code).To(Equal(http.StatusOK))
		Expect(result.Success()).To(BeFalse())
		Expect(result.Pull.Success).To(BeFalse())

		st := slaveHelper.Status()
		Expect(st.Recovery.DivergenceScore).To(BeNumerically(">", 0))
		for _, table := range st.Tables {
			Expect(table.ConsecutiveFailures).To(Equal(1))
			Expect(table.LastError).NotTo(BeEmpty())
			Expect(table.Pull.Cursor).To(BeZero())
		}
	})
})
