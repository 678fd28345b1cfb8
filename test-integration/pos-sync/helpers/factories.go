package helpers

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/onsi/gomega"
)

// Store tables used by the tests, one per conflict strategy
const (
	TableInventories  = "inventories"
	TableCustomers    = "customers"
	TableTransactions = "transactions"
)

const tablesYAML = `tables:
  - name: inventories
    priority: high
    strategy: master_wins
  - name: customers
    priority: medium
    strategy: merge
  - name: transactions
    priority: low
    strategy: slave_wins
`

// FreePort returns a TCP port that was free a moment ago
func FreePort() int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer func() {
		_ = listener.Close()
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

// WriteMasterConfig writes a master configuration into dir and returns its path
func WriteMasterConfig(dir string) string {
	return writeConfig(dir, fmt.Sprintf(`role: master
enabled: true
interval: 60
timeout: 5
retryAttempts: 0
batchSize: 100
failureThreshold: 3
stalenessThreshold: 24h
dataDir: %s
%s`, filepath.Join(dir, "data"), tablesYAML))
}

// WriteSlaveConfig writes a slave configuration pointing at masterURL.
// Scheduled cycles are an hour apart so tests trigger cycles explicitly.
func WriteSlaveConfig(dir, masterURL string, batchSize int) string {
	return writeConfig(dir, fmt.Sprintf(`role: slave
enabled: true
masterURL: %s
interval: 60
timeout: 2
retryAttempts: 1
batchSize: %d
startupSync: false
failureThreshold: 3
stalenessThreshold: 24h
dataDir: %s
%s`, masterURL, batchSize, filepath.Join(dir, "data"), tablesYAML))
}

func writeConfig(dir, content string) string {
	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
	return path
}
