// Package daltest provides a reusable contract suite for dal.Backend implementations.
//
// Example pattern:
//
//	func TestSQLiteBackendContract(t *testing.T) {
//		db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "dal.db"))
//		if err != nil {
//			t.Fatalf("open sqlite: %v", err)
//		}
//		backend, err := dal.NewSQLDocumentBackend(db, "sqlite", "", "id")
//		if err != nil {
//			t.Fatalf("new backend: %v", err)
//		}
//		daltest.RunBackendContract(t, backend, daltest.Options{})
//	}
package daltest
