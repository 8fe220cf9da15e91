// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memindex is an in-process search.Index.
//
// It supports the full query contract (text, filters, facets, sort and
// pagination) without an external engine. Relevance is the number of query
// term occurrences in the document text.
package memindex

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
	"github.com/AleutianAI/AleutianCatalog/services/catalog/search"
)

// Index holds documents per index name.
//
// Thread Safety: Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	docs map[string]map[string]search.Document
}

// New creates an empty index.
func New() *Index {
	return &Index{docs: make(map[string]map[string]search.Document)}
}

// IndexDocument stores doc, replacing any previous version.
func (x *Index) IndexDocument(ctx context.Context, index string, doc search.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := search.KindFor(index); !ok {
		return domain.Errorf(domain.KindValidation, "index_document", index, "unknown index")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.docs[index]
	if !ok {
		m = make(map[string]search.Document)
		x.docs[index] = m
	}
	m[doc.ID] = doc
	return nil
}

// UpdateDocument is an upsert.
func (x *Index) UpdateDocument(ctx context.Context, index string, doc search.Document) error {
	return x.IndexDocument(ctx, index, doc)
}

// DeleteDocument removes id. Missing ids are ignored.
func (x *Index) DeleteDocument(ctx context.Context, index, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs[index], id)
	return nil
}

// Len returns the number of documents in index.
func (x *Index) Len(index string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs[index])
}

// Get returns one document.
func (x *Index) Get(index, id string) (search.Document, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.docs[index][id]
	return d, ok
}

// Query evaluates q over a snapshot of index.
func (x *Index) Query(ctx context.Context, index string, q search.Query) (search.Result, error) {
	if err := ctx.Err(); err != nil {
		return search.Result{}, err
	}
	if err := search.ValidateQuery(index, q); err != nil {
		return search.Result{}, err
	}

	terms := strings.Fields(strings.ToLower(q.Text))
	f := q.Filter
	f.Kind = ""
	f.Text = ""

	x.mu.RLock()
	type hit struct {
		doc   search.Document
		score int
	}
	hits := make([]hit, 0, len(x.docs[index]))
	for _, doc := range x.docs[index] {
		if !f.Matches(doc.Entity()) {
			continue
		}
		if score, ok := relevance(doc, terms); ok {
			hits = append(hits, hit{doc: doc, score: score})
		}
	}
	x.mu.RUnlock()

	ranked := len(terms) > 0
	if ranked {
		slices.SortFunc(hits, func(a, b hit) int {
			if c := cmp.Compare(b.score, a.score); c != 0 {
				return c
			}
			return cmp.Compare(a.doc.ID, b.doc.ID)
		})
	}
	docs := make([]search.Document, len(hits))
	for i, h := range hits {
		docs[i] = h.doc
	}
	return search.Assemble(docs, q, ranked), nil
}

// relevance counts term occurrences. Every term must occur at least once.
func relevance(doc search.Document, terms []string) (int, bool) {
	if len(terms) == 0 {
		return 0, true
	}
	text := strings.ToLower(doc.Text)
	score := 0
	for _, t := range terms {
		n := strings.Count(text, t)
		if n == 0 {
			return 0, false
		}
		score += n
	}
	return score, true
}
