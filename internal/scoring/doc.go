// Package scoring drives one evidence run from oracle submission to the
// ledger commit of the reconciled scores and the anchored score details.
package scoring
