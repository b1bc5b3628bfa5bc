package downstream

import (
	"log"
	"os"
)

// removeAllBestEffort removes dir, logging (not propagating) any failure —
// temp workspace cleanup is a courtesy, not a correctness requirement.
func removeAllBestEffort(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("downstream: removing temp dir %s: %v", dir, err)
		return err
	}
	return nil
}
