// Package clustering implements online, single-session speaker clustering.
// Each cluster groups utterance embeddings believed to belong to one
// speaker, identified before any name is known.
package clustering

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/vector"
)

// Cluster is an online grouping of embeddings for one presumed speaker
// within a single live session.
type Cluster struct {
	ID          string           `json:"cluster_id"`
	Centroid    vector.Embedding `json:"centroid"`
	SampleCount int              `json:"sample_count"`
	BoundName   string           `json:"bound_name,omitempty"`
}

// Clusterer assigns utterance embeddings to session clusters.
type Clusterer struct {
	logger         *logrus.Logger
	matchThreshold float64
}

// NewClusterer creates a new online clusterer.
func NewClusterer(logger *logrus.Logger, matchThreshold float64) *Clusterer {
	return &Clusterer{
		logger:         logger,
		matchThreshold: matchThreshold,
	}
}

// Assign places an embedding into an existing cluster or starts a new one.
// The cluster slice is mutated in place (centroid update or append) and the
// possibly grown slice is returned together with the matched cluster id and
// the similarity score. On the bootstrap case (no clusters yet) the score
// is 1.0; when every cluster is rejected the score is the best similarity
// that was still below the threshold.
func (c *Clusterer) Assign(embedding vector.Embedding, clusters []*Cluster) ([]*Cluster, string, float64) {
	if len(clusters) == 0 {
		created := &Cluster{
			ID:          nextClusterID(clusters),
			Centroid:    cloneEmbedding(embedding),
			SampleCount: 1,
		}
		c.logger.WithField("cluster_id", created.ID).Debug("Bootstrapped first cluster")
		return append(clusters, created), created.ID, 1.0
	}

	best := -1
	bestScore := -1.0
	for i, cl := range clusters {
		score, ok := vector.Similarity(embedding, cl.Centroid)
		if !ok {
			continue
		}
		// Strict > keeps the first-created cluster on ties.
		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	if best >= 0 && bestScore >= c.matchThreshold {
		matched := clusters[best]
		matched.Centroid = vector.RunningMean(matched.Centroid, matched.SampleCount, embedding)
		matched.SampleCount++
		return clusters, matched.ID, bestScore
	}

	created := &Cluster{
		ID:          nextClusterID(clusters),
		Centroid:    cloneEmbedding(embedding),
		SampleCount: 1,
	}
	c.logger.WithFields(logrus.Fields{
		"cluster_id":    created.ID,
		"best_rejected": bestScore,
		"threshold":     c.matchThreshold,
	}).Debug("No cluster above threshold, created new cluster")
	return append(clusters, created), created.ID, bestScore
}

// nextClusterID returns "c" + (max existing numeric suffix + 1). Ids are
// never reused within a session, even after clusters are removed.
func nextClusterID(clusters []*Cluster) string {
	maxSuffix := 0
	for _, cl := range clusters {
		suffix := strings.TrimPrefix(cl.ID, "c")
		if n, err := strconv.Atoi(suffix); err == nil && n > maxSuffix {
			maxSuffix = n
		}
	}
	return fmt.Sprintf("c%d", maxSuffix+1)
}

// FindCluster returns the cluster with the given id, or nil.
func FindCluster(clusters []*Cluster, id string) *Cluster {
	for _, cl := range clusters {
		if cl.ID == id {
			return cl
		}
	}
	return nil
}

func cloneEmbedding(e vector.Embedding) vector.Embedding {
	out := make(vector.Embedding, len(e))
	copy(out, e)
	return out
}
