package analyst

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
)

// nodeFeatures is the raw, per-node material for a FeatureVector.
type nodeFeatures struct {
	vector      common.FeatureVector
	totalAmount float64
	gap         string
}

// extractFeatures computes a FeatureVector for every node of g. A node whose
// incident edges carry an unusable amount gets a zero vector and a gap
// reason instead.
func extractFeatures(g *common.GraphSet) map[string]*nodeFeatures {
	out := make(map[string]*nodeFeatures, len(g.Nodes))
	for _, n := range g.Nodes {
		out[n.ID] = &nodeFeatures{}
	}

	confSum := map[string]float64{}
	edgeCount := map[string]int{}
	loops := map[string]map[string]struct{}{}
	// organization -> officers, officer -> organizations
	officers := map[string]map[string]struct{}{}
	orgsOf := map[string]map[string]struct{}{}

	for _, e := range g.Edges {
		amount, err := parseAmount(e.Properties.Amount)
		for _, id := range []string{e.FromID, e.ToID} {
			f, ok := out[id]
			if !ok {
				continue
			}
			if err != nil && f.gap == "" {
				f.gap = fmt.Sprintf("edge %s: %v", e.ID, err)
			}
			edgeCount[id]++
			confSum[id] += e.Properties.Confidence
			f.totalAmount += amount
			for _, l := range e.Properties.LoopIDs {
				if loops[id] == nil {
					loops[id] = map[string]struct{}{}
				}
				loops[id][l] = struct{}{}
			}
			switch e.Relationship {
			case common.RelContracts:
				f.vector.ContractCount++
			case common.RelDonor:
				f.vector.DonationFrequency++
			}
		}
		switch e.Relationship {
		case common.RelLobbied:
			if f, ok := out[e.FromID]; ok {
				f.vector.LobbyingSpend += amount
			}
		case common.RelOfficerOf:
			addTo(officers, e.ToID, e.FromID)
			addTo(orgsOf, e.FromID, e.ToID)
		}
	}

	for id, f := range out {
		if f.gap != "" {
			f.vector = common.FeatureVector{}
			f.totalAmount = 0
			continue
		}
		if n := edgeCount[id]; n > 0 {
			f.vector.MeanConfidence = confSum[id] / float64(n)
		}
		f.vector.LoopCount = float64(len(loops[id]))
		f.vector.CommonOfficerCount = float64(commonOfficers(id, officers, orgsOf))
	}

	zscores(out)
	return out
}

// commonOfficers counts officers of id who also serve another organization,
// or for a person, the organizations beyond the first.
func commonOfficers(id string, officers, orgsOf map[string]map[string]struct{}) int {
	n := 0
	for person := range officers[id] {
		if len(orgsOf[person]) > 1 {
			n++
		}
	}
	if orgs := len(orgsOf[id]); orgs > 1 {
		n += orgs - 1
	}
	return n
}

// zscores sets FinancialZScore from the population of total amounts,
// ignoring nodes with a gap.
func zscores(features map[string]*nodeFeatures) {
	var vals []float64
	for _, f := range features {
		if f.gap == "" {
			vals = append(vals, f.totalAmount)
		}
	}
	mean, std := meanStd(vals)
	if std == 0 {
		return
	}
	for _, f := range features {
		if f.gap == "" {
			f.vector.FinancialZScore = (f.totalAmount - mean) / std
		}
	}
}

func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

func addTo(m map[string]map[string]struct{}, k, v string) {
	if m[k] == nil {
		m[k] = map[string]struct{}{}
	}
	m[k][v] = struct{}{}
}

// parseAmount reads an edge amount. Missing amounts are zero; negative or
// non-numeric amounts are errors.
func parseAmount(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("amount %q is not numeric", x)
		}
		f = p
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(x)
		if s == "" {
			return 0, nil
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q is not numeric", x)
		}
		f = p
	default:
		return 0, fmt.Errorf("amount of type %T is not numeric", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("amount %v is not finite", f)
	}
	if f < 0 {
		return 0, fmt.Errorf("amount %v is negative", f)
	}
	return f, nil
}
