package neo4j

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// CodeGraph mirrors the billing catalog as a graph: one node per code,
// REQUIRES edges from add-on codes to their qualifying primaries and
// BUNDLED_INTO edges from codes a bundling rule can suppress to the codes
// that absorb them. The graph serves the related-codes endpoint; derivation
// itself never reads it.
type CodeGraph struct {
	driver *Driver
	logger logging.Logger
}

// CodeNode is one billing code as stored in the graph.
type CodeNode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Family      string `json:"family,omitempty"`
	Diagnostic  bool   `json:"diagnostic,omitempty"`
}

// CodeRelations answers "what moves with this code": qualifying primaries,
// dependent add-ons, bundling partners both ways and same-family codes.
type CodeRelations struct {
	Code          CodeNode   `json:"code"`
	Requires      []CodeNode `json:"requires,omitempty"`
	RequiredBy    []CodeNode `json:"required_by,omitempty"`
	BundledInto   []CodeNode `json:"bundled_into,omitempty"`
	Absorbs       []CodeNode `json:"absorbs,omitempty"`
	FamilyMembers []CodeNode `json:"family_members,omitempty"`
}

// NewCodeGraph builds the catalog graph repository.
func NewCodeGraph(driver *Driver, logger logging.Logger) *CodeGraph {
	return &CodeGraph{
		driver: driver,
		logger: logger.Named("code_graph"),
	}
}

// EnsureSchema creates the uniqueness constraint on code.
func (g *CodeGraph) EnsureSchema(ctx context.Context) error {
	_, err := g.driver.ExecuteWrite(ctx, func(tx Transaction) (interface{}, error) {
		_, err := tx.Run(ctx,
			"CREATE CONSTRAINT code_unique IF NOT EXISTS FOR (c:Code) REQUIRE c.code IS UNIQUE", nil)
		return nil, err
	})
	return err
}

// bundlePair is one suppression edge derived from the bundling rules.
type bundlePair struct {
	from          string
	into          string
	siteDependent bool
}

// bundlePairs reads the catalog the way the bundling pass does: a family's
// diagnostic base is absorbed by every surgical primary of that family, and
// dilation is absorbed by stent placement unless the sites are provably
// distinct.
func bundlePairs(catalog []billing.Descriptor) []bundlePair {
	var diagnostics []billing.Descriptor
	surgicalByFamily := make(map[string][]string)
	for _, d := range catalog {
		if d.Diagnostic {
			diagnostics = append(diagnostics, d)
			continue
		}
		if d.Family != "" && len(d.Requires) == 0 {
			surgicalByFamily[d.Family] = append(surgicalByFamily[d.Family], d.Code)
		}
	}

	var pairs []bundlePair
	for _, diag := range diagnostics {
		for _, code := range surgicalByFamily[diag.Family] {
			pairs = append(pairs, bundlePair{from: diag.Code, into: code})
		}
	}

	hasDilation := false
	hasStent := false
	for _, d := range catalog {
		if d.Code == billing.CodeDilation {
			hasDilation = true
		}
		if d.Code == billing.CodeStentPlacement {
			hasStent = true
		}
	}
	if hasDilation && hasStent {
		pairs = append(pairs, bundlePair{
			from:          billing.CodeDilation,
			into:          billing.CodeStentPlacement,
			siteDependent: true,
		})
	}
	return pairs
}

// SyncCatalog upserts the catalog into the graph. Stale relationships of
// synced codes are replaced; codes removed from the catalog keep their nodes
// but lose incoming edges only when their sources are re-synced.
func (g *CodeGraph) SyncCatalog(ctx context.Context, catalog []billing.Descriptor) error {
	if len(catalog) == 0 {
		return errors.New(errors.ErrCodeValidation, "catalog is empty")
	}

	_, err := g.driver.ExecuteWrite(ctx, func(tx Transaction) (interface{}, error) {
		for _, d := range catalog {
			_, err := tx.Run(ctx, `
				MERGE (c:Code {code: $code})
				SET c.description = $description,
				    c.family = $family,
				    c.diagnostic = $diagnostic
				WITH c
				OPTIONAL MATCH (c)-[r:REQUIRES|BUNDLED_INTO]->()
				DELETE r`,
				map[string]any{
					"code":        d.Code,
					"description": d.Description,
					"family":      d.Family,
					"diagnostic":  d.Diagnostic,
				})
			if err != nil {
				return nil, err
			}
		}

		for _, d := range catalog {
			for _, req := range d.Requires {
				_, err := tx.Run(ctx, `
					MATCH (a:Code {code: $from}), (b:Code {code: $to})
					MERGE (a)-[:REQUIRES]->(b)`,
					map[string]any{"from": d.Code, "to": req})
				if err != nil {
					return nil, err
				}
			}
		}

		for _, pair := range bundlePairs(catalog) {
			_, err := tx.Run(ctx, `
				MATCH (a:Code {code: $from}), (b:Code {code: $to})
				MERGE (a)-[r:BUNDLED_INTO]->(b)
				SET r.site_dependent = $siteDependent`,
				map[string]any{
					"from":          pair.from,
					"to":            pair.into,
					"siteDependent": pair.siteDependent,
				})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	g.logger.Info("Catalog synced to graph", logging.Int("codes", len(catalog)))
	return nil
}

// RelatedCodes returns every code connected to the given one.
func (g *CodeGraph) RelatedCodes(ctx context.Context, code string) (*CodeRelations, error) {
	if code == "" {
		return nil, errors.New(errors.ErrCodeValidation, "code is required")
	}

	res, err := g.driver.ExecuteRead(ctx, func(tx Transaction) (interface{}, error) {
		result, err := tx.Run(ctx, `
			MATCH (c:Code {code: $code})
			OPTIONAL MATCH (c)-[:REQUIRES]->(req:Code)
			OPTIONAL MATCH (dep:Code)-[:REQUIRES]->(c)
			OPTIONAL MATCH (c)-[:BUNDLED_INTO]->(bi:Code)
			OPTIONAL MATCH (ab:Code)-[:BUNDLED_INTO]->(c)
			OPTIONAL MATCH (fam:Code)
			  WHERE fam.family = c.family AND fam.family <> '' AND fam.code <> c.code
			RETURN c,
			       collect(DISTINCT req) AS requires,
			       collect(DISTINCT dep) AS required_by,
			       collect(DISTINCT bi)  AS bundled_into,
			       collect(DISTINCT ab)  AS absorbs,
			       collect(DISTINCT fam) AS family_members`,
			map[string]any{"code": code})
		if err != nil {
			return nil, err
		}
		return ExtractSingleRecord(ctx, result, mapRelations)
	})
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, errors.Newf(errors.ErrCodeNotFound, "code %s not in catalog graph", code)
		}
		return nil, err
	}

	relations, ok := res.(*CodeRelations)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "unexpected related-codes result shape")
	}
	return relations, nil
}

func mapRelations(record *neo4j.Record) (*CodeRelations, error) {
	rel := &CodeRelations{}

	if raw, ok := record.Get("c"); ok {
		if node, ok := raw.(neo4j.Node); ok {
			rel.Code = nodeToCode(node)
		}
	}
	rel.Requires = nodeList(record, "requires")
	rel.RequiredBy = nodeList(record, "required_by")
	rel.BundledInto = nodeList(record, "bundled_into")
	rel.Absorbs = nodeList(record, "absorbs")
	rel.FamilyMembers = nodeList(record, "family_members")
	return rel, nil
}

func nodeList(record *neo4j.Record, key string) []CodeNode {
	raw, ok := record.Get(key)
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var nodes []CodeNode
	for _, item := range items {
		if node, ok := item.(neo4j.Node); ok {
			nodes = append(nodes, nodeToCode(node))
		}
	}
	return nodes
}

func nodeToCode(node neo4j.Node) CodeNode {
	c := CodeNode{}
	if v, ok := node.Props["code"].(string); ok {
		c.Code = v
	}
	if v, ok := node.Props["description"].(string); ok {
		c.Description = v
	}
	if v, ok := node.Props["family"].(string); ok {
		c.Family = v
	}
	if v, ok := node.Props["diagnostic"].(bool); ok {
		c.Diagnostic = v
	}
	return c
}
