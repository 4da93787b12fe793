package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ResolveRedirectPrinter picks the printer a ticket can be redirected to.
// Only the options named in optionFilter are required: the ticket's own value
// when it sets the option, the filter's value otherwise; an empty value matches
// anything. Candidates must be enabled and, when the ticket names a printer
// group, belong to it. The first candidate by display name wins.
func (service *Service) ResolveRedirectPrinter(ctx context.Context, ticketNumber string, optionFilter map[string]string) (Printer, error) {
	job, err := service.store.FindTicket(ctx, normalizeTicketNumber(ticketNumber))
	if err != nil {
		return Printer{}, err
	}
	if job.State.IsTerminal() {
		return Printer{}, fmt.Errorf("%w: %s is %s", ErrTicketNotFound, job.TicketNumber, job.State)
	}
	candidates, err := service.redirectCandidates(ctx, job, optionFilter)
	if err != nil {
		return Printer{}, err
	}
	if len(candidates) == 0 {
		return Printer{}, fmt.Errorf("%w: ticket %s", ErrNoPrinterFound, job.TicketNumber)
	}
	return candidates[0], nil
}

func (service *Service) redirectCandidates(ctx context.Context, job Job, optionFilter map[string]string) ([]Printer, error) {
	if service.directory == nil {
		return nil, fmt.Errorf("%w: printer directory is not configured", ErrInvalidServiceConfig)
	}
	printers, err := service.directory.Printers(ctx)
	if err != nil {
		return nil, err
	}
	required := requiredOptions(job.Options, optionFilter)
	var candidates []Printer
	for _, printer := range printers {
		if !printer.Enabled {
			continue
		}
		if job.PrinterGroup != "" && !printer.InGroup(job.PrinterGroup) {
			continue
		}
		if !supportsAll(printer, required) {
			continue
		}
		candidates = append(candidates, printer)
	}
	sort.SliceStable(candidates, func(left, right int) bool {
		leftName := strings.ToLower(displayName(candidates[left]))
		rightName := strings.ToLower(displayName(candidates[right]))
		if leftName != rightName {
			return leftName < rightName
		}
		return candidates[left].Name < candidates[right].Name
	})
	return candidates, nil
}

func requiredOptions(ticketOptions map[string]string, optionFilter map[string]string) map[string]string {
	required := make(map[string]string, len(optionFilter))
	for option, value := range optionFilter {
		if ticketValue, ok := ticketOptions[option]; ok && ticketValue != "" {
			value = ticketValue
		}
		if value != "" {
			required[option] = value
		}
	}
	return required
}

func supportsAll(printer Printer, required map[string]string) bool {
	for option, value := range required {
		if !printer.Supports(option, value) {
			return false
		}
	}
	return true
}

func displayName(printer Printer) string {
	if printer.DisplayName != "" {
		return printer.DisplayName
	}
	return printer.Name
}
