package correlation

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
)

// edgeRule describes how a fact type becomes an edge.
type edgeRule struct {
	rel common.Relationship
	// counterKey is the payload key naming the counterparty.
	counterKey string
	// counterType is assumed when nothing else says what the counterparty is.
	counterType common.NodeType
	// subjectType is assumed when nothing else says what the subject is.
	subjectType common.NodeType
}

var edgeRules = map[common.FactType]edgeRule{
	common.FactContract:  {rel: common.RelContracts, counterKey: "agency_id", counterType: common.NodeAgency, subjectType: common.NodeVendor},
	common.FactDonation:  {rel: common.RelDonor, counterKey: "recipient_id", counterType: common.NodePAC, subjectType: common.NodeIndividual},
	common.FactOfficerOf: {rel: common.RelOfficerOf, counterKey: "organization_id", counterType: common.NodeVendor, subjectType: common.NodeIndividual},
	common.FactLobbied:   {rel: common.RelLobbied, counterKey: "target_id", counterType: common.NodeAgency, subjectType: common.NodeVendor},
	common.FactFundedBy:  {rel: common.RelFundedBy, counterKey: "funder_id", counterType: common.NodeAgency, subjectType: common.NodeNGO},
}

// idTypeAliases maps the short prefixes seen in entity ids to identifier
// types, e.g. "Agency:AG1" -> agency_id.
var idTypeAliases = map[string]string{
	"agency":     "agency_id",
	"fec":        common.IDTypeFECID,
	"bioguide":   "bioguide_id",
	"name":       "name_id",
	"recipient":  "recipient_id",
	"org":        "organization_id",
	"individual": "person_id",
	"person":     "person_id",
}

// typeByIdentifier infers a node type from the kind of identifier.
var typeByIdentifier = map[string]common.NodeType{
	common.IDTypeEIN:   common.NodeVendor,
	common.IDTypeCIK:   common.NodeVendor,
	common.IDTypeUEI:   common.NodeVendor,
	common.IDTypeLEI:   common.NodeVendor,
	common.IDTypeDUNS:  common.NodeVendor,
	common.IDTypeFECID: common.NodePAC,
	"agency_id":        common.NodeAgency,
	"bioguide_id":      common.NodeLegislator,
	"person_id":        common.NodeIndividual,
}

// ParseEntityID splits "TYPE:value" into an identifier with a canonical
// type. The value keeps its source form.
func ParseEntityID(raw string) (common.Identifier, error) {
	t, v, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return common.Identifier{}, fmt.Errorf("entity id %q is not in TYPE:value form", raw)
	}
	t = canonicalType(t)
	v = strings.TrimSpace(v)
	if t == "" || common.CanonicalIDValue(v) == "" {
		return common.Identifier{}, fmt.Errorf("entity id %q has an empty type or value", raw)
	}
	return common.Identifier{Type: t, Value: v}, nil
}

func canonicalType(t string) string {
	t = common.CanonicalIDType(t)
	if alias, ok := idTypeAliases[t]; ok {
		return alias
	}
	return t
}

// typeRank orders node type candidates: explicit > identifier-inferred > default.
type typeRank int

const (
	rankDefault typeRank = iota
	rankInferred
	rankExplicit
)

type typeCandidate struct {
	nodeType common.NodeType
	rank     typeRank
}

// endpoint is one side of a fact before resolution.
type endpoint struct {
	ids          map[string]string
	name         string
	jurisdiction string
	address      string
	nodeType     typeCandidate
}

// parsedFact is a fact reduced to its endpoints and edge attributes.
type parsedFact struct {
	index   int
	fact    common.RawFact
	rule    edgeRule
	subject endpoint
	// counter is nil when the payload names no counterparty.
	counter    *endpoint
	props      common.EdgeProperties
	confidence float64
}

func parseFact(index int, fact common.RawFact, defaultConfidence float64) (*parsedFact, error) {
	rule, ok := edgeRules[fact.FactType]
	if !ok {
		return nil, fmt.Errorf("unknown fact type %q", fact.FactType)
	}

	subjectID, err := ParseEntityID(fact.EntityID)
	if err != nil {
		return nil, err
	}
	subject := endpoint{
		ids:          map[string]string{subjectID.Type: subjectID.Value},
		name:         payloadString(fact.Payload, "name"),
		jurisdiction: payloadString(fact.Payload, "jurisdiction"),
		address:      normalizeAddress(payloadString(fact.Payload, "address")),
	}
	if extra, ok := fact.Payload["identifiers"].(map[string]any); ok {
		for t, v := range extra {
			if s := valueString(v); s != "" {
				subject.ids[canonicalType(t)] = s
			}
		}
	}
	subject.nodeType = chooseType(payloadString(fact.Payload, "entity_type"), subject.ids, rule.subjectType)

	pf := &parsedFact{
		index:   index,
		fact:    fact,
		rule:    rule,
		subject: subject,
	}

	if raw, present := fact.Payload[rule.counterKey]; present && raw != nil {
		s := valueString(raw)
		if s == "" {
			return nil, fmt.Errorf("%s has an unusable value %v", rule.counterKey, raw)
		}
		id, err := ParseEntityID(s)
		if err != nil {
			// a bare value is typed by its payload key
			id = common.Identifier{Type: rule.counterKey, Value: strings.TrimSpace(s)}
		}
		prefix := strings.TrimSuffix(rule.counterKey, "_id")
		counter := endpoint{
			ids:          map[string]string{id.Type: id.Value},
			name:         payloadString(fact.Payload, prefix+"_name"),
			jurisdiction: payloadString(fact.Payload, prefix+"_jurisdiction"),
		}
		counter.nodeType = chooseType(payloadString(fact.Payload, prefix+"_type"), counter.ids, rule.counterType)
		pf.counter = &counter
	}

	pf.props = edgeProperties(fact)
	pf.confidence = fact.Confidence
	if pf.confidence <= 0 || math.IsNaN(pf.confidence) {
		pf.confidence = defaultConfidence
	}
	pf.confidence = min(pf.confidence, 1)
	pf.props.Confidence = pf.confidence
	pf.props.Source = fact.SourceURL
	return pf, nil
}

func edgeProperties(fact common.RawFact) common.EdgeProperties {
	p := fact.Payload
	props := common.EdgeProperties{
		Amount:     p["amount"],
		StartDate:  payloadString(p, "start_date"),
		EndDate:    payloadString(p, "end_date"),
		StatuteRef: payloadString(p, "statute_ref"),
		Role:       payloadString(p, "role"),
	}
	switch fact.FactType {
	case common.FactDonation:
		if props.StartDate == "" {
			props.StartDate = payloadString(p, "date")
		}
	case common.FactLobbied:
		if spend, ok := p["spend"]; ok {
			props.Amount = spend
		}
	}
	return props
}

func chooseType(explicit string, ids map[string]string, fallback common.NodeType) typeCandidate {
	if t := parseNodeType(explicit); t != "" {
		return typeCandidate{nodeType: t, rank: rankExplicit}
	}
	types := make([]string, 0, len(ids))
	for t := range ids {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		if nt, ok := typeByIdentifier[t]; ok {
			return typeCandidate{nodeType: nt, rank: rankInferred}
		}
	}
	return typeCandidate{nodeType: fallback, rank: rankDefault}
}

func parseNodeType(s string) common.NodeType {
	s = strings.TrimSpace(s)
	for _, t := range nodeTypeOrder {
		if strings.EqualFold(string(t), s) {
			return t
		}
	}
	return ""
}

var nodeTypeOrder = []common.NodeType{
	common.NodeAgency,
	common.NodeLegislator,
	common.NodePAC,
	common.NodeNGO,
	common.NodeVendor,
	common.NodeIndividual,
}

// better reports whether a should replace b as a node's type.
func (a typeCandidate) better(b typeCandidate) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	return slices.Index(nodeTypeOrder, a.nodeType) < slices.Index(nodeTypeOrder, b.nodeType)
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(valueString(p[key]))
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	}
	return ""
}

func normalizeAddress(s string) string {
	return identity.NormalizeName(s)
}
