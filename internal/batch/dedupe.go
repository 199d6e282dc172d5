package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// Duplicate pairs a file in the candidate folder with the master file whose
// contents it duplicates.
type Duplicate struct {
	File    string `json:"file"`
	Matches string `json:"matches"`
}

// DedupeResult summarizes one dedupe pass.
type DedupeResult struct {
	MasterCount    int         `json:"master_count"`
	CandidateCount int         `json:"candidate_count"`
	Duplicates     []Duplicate `json:"duplicates"`
	Deleted        int         `json:"deleted"`
}

// Dedupe finds files in candidateDir whose contents byte-for-byte match any
// file in masterDir, comparing by SHA-256. With dryRun the duplicates are
// only reported; otherwise they are deleted from candidateDir.
func Dedupe(masterDir, candidateDir, ext string, dryRun bool) (DedupeResult, error) {
	masters, err := hashFolder(masterDir, ext)
	if err != nil {
		return DedupeResult{}, fmt.Errorf("hash master folder: %w", err)
	}
	candidates, err := hashFolder(candidateDir, ext)
	if err != nil {
		return DedupeResult{}, fmt.Errorf("hash candidate folder: %w", err)
	}

	byHash := make(map[string]string, len(masters))
	for name, sum := range masters {
		byHash[sum] = name
	}

	res := DedupeResult{MasterCount: len(masters), CandidateCount: len(candidates)}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		master, ok := byHash[candidates[name]]
		if !ok {
			continue
		}
		res.Duplicates = append(res.Duplicates, Duplicate{File: name, Matches: master})
		if dryRun {
			continue
		}
		if err := os.Remove(filepath.Join(candidateDir, name)); err != nil {
			return res, fmt.Errorf("delete duplicate %s: %w", name, err)
		}
		res.Deleted++
	}

	log.Info("dedupe finished", "masters", res.MasterCount, "candidates", res.CandidateCount,
		"duplicates", len(res.Duplicates), "deleted", res.Deleted)
	return res, nil
}

// hashFolder maps every matching filename in dir to its content hash.
func hashFolder(dir, ext string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		out[e.Name()] = hex.EncodeToString(sum[:])
	}
	return out, nil
}
