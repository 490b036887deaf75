// Package scraper defines the core types shared by the scraping job engine:
// jobs and their lifecycle states, scraped products, progress logs, extracted
// candidates, and the collaborator interfaces (stores, browser sessions,
// extractors) that the batch processor and lifecycle manager depend on.
//
// Implementations live in sibling packages: internal/storage/* for stores,
// internal/browser and internal/fetcher/colly for sessions, internal/extract
// for extractors.
package scraper
